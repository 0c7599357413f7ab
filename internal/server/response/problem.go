// SPDX-License-Identifier: AGPL-3.0-or-later

// Package response writes RFC7807 application/problem+json error responses.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Problem represents an RFC7807 problem response with optional extensions.
type Problem struct {
	Type     string
	Title    string
	Status   int
	Detail   string
	Instance string
	Ext      map[string]any
}

// Option configures a Problem instance.
type Option func(*Problem)

// WithType sets the problem type URI.
func WithType(t string) Option {
	return func(p *Problem) {
		p.Type = t
	}
}

// WithDetail sets the human-readable detail string.
func WithDetail(detail string) Option {
	return func(p *Problem) {
		p.Detail = detail
	}
}

// WithInstance sets the instance URI for the problem detail.
func WithInstance(instance string) Option {
	return func(p *Problem) {
		p.Instance = instance
	}
}

// WithExtension attaches an arbitrary RFC7807 extension field.
func WithExtension(key string, value any) Option {
	return func(p *Problem) {
		if p.Ext == nil {
			p.Ext = map[string]any{}
		}
		p.Ext[key] = value
	}
}

// New constructs a Problem and applies the provided options.
func New(status int, title string, opts ...Option) Problem {
	p := Problem{
		Status: status,
		Title:  title,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// NotFound is the 404 problem for an unknown task, plan, or request id.
func NotFound(detail string) Problem {
	return New(http.StatusNotFound, "not found", WithDetail(detail))
}

// Conflict is the 409 problem for illegal transitions and already-resolved
// requests.
func Conflict(detail string) Problem {
	return New(http.StatusConflict, "conflict", WithDetail(detail))
}

// Validation is the 422 problem for structurally valid but semantically
// unacceptable request bodies.
func Validation(detail string) Problem {
	return New(http.StatusUnprocessableEntity, "validation failed", WithDetail(detail))
}

// Write serializes and writes the problem response with appropriate headers.
func Write(w http.ResponseWriter, p Problem) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	body := map[string]any{
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Type != "" {
		body["type"] = p.Type
	}
	if p.Detail != "" {
		body["detail"] = p.Detail
	}
	if p.Instance != "" {
		body["instance"] = p.Instance
	}
	for k, v := range p.Ext {
		if _, exists := body[k]; exists {
			panic(fmt.Sprintf("problem extension %q collides with base field", k))
		}
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(body)
}

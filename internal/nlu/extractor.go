// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nlu wraps the entity-extraction oracle consumed by the intent
// compiler. Extraction may fail or come back with low confidence; callers
// must treat that as a decision-request trigger, never a crash.
package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotInitialized indicates the provider was used before Init succeeded.
var ErrNotInitialized = errors.New("nlu: provider not initialized")

// DeclaredConstraint is a limit the user stated inline with the intent
// ("under $50", "must be GDPR compliant").
type DeclaredConstraint struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Hard  bool   `json:"is_hard"`
}

// Candidate is one alternative interpretation with its confidence.
type Candidate struct {
	IntentType string  `json:"intent_type"`
	Confidence float64 `json:"confidence"`
}

// Entities is the structured extraction for one intent text.
type Entities struct {
	Action       string               `json:"action"`
	Target       string               `json:"target"`
	Domain       string               `json:"domain,omitempty"`
	Subject      string               `json:"subject,omitempty"`
	Features     []string             `json:"features,omitempty"`
	Constraints  []DeclaredConstraint `json:"constraints,omitempty"`
	Integrations []string             `json:"integrations,omitempty"`
	IntentType   string               `json:"intent_type"`
	Confidence   float64              `json:"confidence"`
	Alternatives []Candidate          `json:"alternatives,omitempty"`
}

// Extractor turns raw intent text into structured entities.
type Extractor interface {
	Extract(ctx context.Context, text string) (Entities, error)
}

// Config selects and parameterizes the extraction backend.
type Config struct {
	Backend    string
	Model      string
	OllamaHost string
}

// generator is the minimal surface the LLM backends expose.
type generator interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

// New builds an extractor for the configured backend. "rules" is the
// offline deterministic extractor; "gemini" and "ollama" call out to the
// respective model APIs.
func New(cfg Config) (Extractor, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "rules":
		return &rulesExtractor{}, nil
	case "gemini":
		g, err := newGemini(cfg)
		if err != nil {
			return nil, err
		}
		return &llmExtractor{gen: g}, nil
	case "ollama":
		o, err := newOllama(cfg)
		if err != nil {
			return nil, err
		}
		return &llmExtractor{gen: o}, nil
	default:
		return nil, fmt.Errorf("unsupported nlu backend: %s", cfg.Backend)
	}
}

const extractionPrompt = `Analyze this request and extract structured information.

Request: %q

Extract the following as JSON:
{
  "action": "primary action (create/update/delete/analyze/report/integrate/automate)",
  "target": "what to act on",
  "domain": "industry/domain if mentioned, else empty",
  "subject": "named client/company if mentioned, else empty",
  "features": ["specific features requested"],
  "constraints": [{"type": "budget|timeline|technology|security|compliance|performance", "value": "constraint value", "is_hard": true}],
  "integrations": ["external systems to integrate with"],
  "intent_type": "one of data_entry, data_cleanup, notification, reporting, integration, deployment, general",
  "confidence": 0.0,
  "alternatives": [{"intent_type": "...", "confidence": 0.0}]
}

Respond ONLY with valid JSON.`

// llmExtractor prompts a model backend and decodes its JSON reply. A reply
// that fails to parse degrades to a zero-confidence result so the compiler
// routes it to a human instead of erroring out.
type llmExtractor struct {
	gen generator
}

func (e *llmExtractor) Extract(ctx context.Context, text string) (Entities, error) {
	raw, err := e.gen.GenerateJSON(ctx, fmt.Sprintf(extractionPrompt, text))
	if err != nil {
		return Entities{}, fmt.Errorf("nlu extract: %w", err)
	}
	var entities Entities
	if err := json.Unmarshal([]byte(stripFences(raw)), &entities); err != nil {
		return Entities{
			Action:     "create",
			Target:     text,
			IntentType: "general",
			Confidence: 0,
		}, nil
	}
	if entities.Confidence < 0 {
		entities.Confidence = 0
	}
	if entities.Confidence > 1 {
		entities.Confidence = 1
	}
	return entities, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

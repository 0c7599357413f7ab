// SPDX-License-Identifier: AGPL-3.0-or-later

// Package requestctx carries request-scoped values: the per-request logger,
// the templated route, and the acting principal resolved from headers.
package requestctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}
type metadataKey struct{}
type actorKey struct{}

var (
	ctxLoggerKey   = &loggerKey{}
	ctxMetadataKey = &metadataKey{}
	ctxActorKey    = &actorKey{}
)

// Metadata stores auxiliary request attributes for structured logging.
type Metadata struct {
	Route string
}

// WithLogger stores the request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLoggerKey, logger)
}

// Logger extracts the request-scoped logger from context, if present.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(ctxLoggerKey).(*slog.Logger)
	return logger
}

// WithMetadata stores request metadata in context, overwriting any existing
// value.
func WithMetadata(ctx context.Context, meta *Metadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxMetadataKey, meta)
}

// MetadataFromContext retrieves the metadata pointer stored on the context,
// if present.
func MetadataFromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return nil
	}
	meta, _ := ctx.Value(ctxMetadataKey).(*Metadata)
	return meta
}

// WithRoute annotates metadata with the templated route string.
func WithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	meta := MetadataFromContext(ctx)
	if meta == nil {
		meta = &Metadata{}
		ctx = context.WithValue(ctx, ctxMetadataKey, meta)
	}
	meta.Route = route
	return ctx
}

// Route extracts the templated route string stored on the context, if any.
func Route(ctx context.Context) (string, bool) {
	meta := MetadataFromContext(ctx)
	if meta == nil || meta.Route == "" {
		return "", false
	}
	return meta.Route, true
}

// WithActor stores the acting human's identifier on the context.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxActorKey, actor)
}

// Actor retrieves the acting human's identifier from context.
func Actor(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	actor, _ := ctx.Value(ctxActorKey).(string)
	if actor == "" {
		return "", false
	}
	return actor, true
}

// Package logging provides structured logging for the coordination service.
//
// Wallet endpoints, handshake tokens, and multisig addresses are treated as
// sensitive: log lines must go through the sanitizers below rather than
// embedding raw values.
package logging

import (
	"context"
	"log/slog"
	"net/url"
	"os"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// New creates a structured logger writing to stdout.
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns a logger carrying the request ID from ctx, if any.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}

// SanitizeEndpoint reduces a wallet endpoint URL to scheme and port for
// logging. The host is always loopback, so scheme+port is enough to tell
// endpoints apart without recording the full URL.
func SanitizeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "<invalid-endpoint>"
	}
	port := u.Port()
	if port == "" {
		port = "default"
	}
	return u.Scheme + "://loopback:" + port
}

// SanitizeToken reduces an opaque handshake token to its first 10 and last 4
// characters. Enough to match tokens across log lines during debugging
// without recording the exchanged material.
func SanitizeToken(token string) string {
	if len(token) < 18 {
		return "<short-token>"
	}
	return token[:10] + "..." + token[len(token)-4:]
}

// SanitizeAddress reduces a wallet address to its first 2 and last 3
// characters. The leading characters identify the network, the trailing
// ones differentiate addresses in debug output.
func SanitizeAddress(address string) string {
	if len(address) < 6 {
		return "<invalid-address>"
	}
	return address[:2] + "..." + address[len(address)-3:]
}

// Package outfmt controls CLI output formatting: text for humans, JSON and
// JSONL for scripts, with optional jq filtering of structured output.
package outfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/itchyny/gojq"
)

// Mode represents the output format mode.
type Mode int

const (
	// Text is the default human-readable output.
	Text Mode = iota
	// JSON outputs structured JSON.
	JSON
	// JSONL outputs newline-delimited JSON, one record per line.
	JSONL
)

type contextKey struct{}

// Parse parses an output mode string.
func Parse(s string) (Mode, error) {
	switch s {
	case "text", "":
		return Text, nil
	case "json":
		return JSON, nil
	case "jsonl", "ndjson":
		return JSONL, nil
	default:
		return Text, fmt.Errorf("invalid output format: %q (use 'text', 'json', 'jsonl', or 'ndjson')", s)
	}
}

// WithMode adds the output mode to the context.
func WithMode(ctx context.Context, mode Mode) context.Context {
	return context.WithValue(ctx, contextKey{}, mode)
}

// ModeFromContext retrieves the output mode from context.
func ModeFromContext(ctx context.Context) Mode {
	if mode, ok := ctx.Value(contextKey{}).(Mode); ok {
		return mode
	}
	return Text
}

// IsJSON returns true if the context is set to any structured output mode.
func IsJSON(ctx context.Context) bool {
	mode := ModeFromContext(ctx)
	return mode == JSON || mode == JSONL
}

// IsJSONL returns true if the context is set to JSONL output.
func IsJSONL(ctx context.Context) bool {
	return ModeFromContext(ctx) == JSONL
}

// WriteJSON encodes v to w, indented for JSON mode and compact one-per-line
// for JSONL mode.
func WriteJSON(ctx context.Context, w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if IsJSONL(ctx) {
		return enc.Encode(v)
	}
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ApplyJQ runs a jq expression over v (first round-tripped through JSON so
// gojq sees plain maps and slices). An empty expression returns v unchanged.
func ApplyJQ(v any, expression string) (any, error) {
	expression = normalizeExpression(expression)
	if expression == "" {
		return v, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid --jq expression: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	iter := query.Run(data)
	var results []any
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := out.(error); ok {
			return nil, fmt.Errorf("jq: %w", err)
		}
		results = append(results, out)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// normalizeExpression fixes shell-escaped operators in jq expressions.
// Zsh escapes ! to \! even in single quotes, breaking operators like !=.
func normalizeExpression(expr string) string {
	return strings.ReplaceAll(strings.TrimSpace(expr), `\!`, `!`)
}

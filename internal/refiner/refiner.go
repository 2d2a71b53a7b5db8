// Package refiner turns raw, free-form instructions into execution-ready
// prompts. The engine treats it as a black box: text in, refined text or a
// RefinementError out.
package refiner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Refiner converts a raw instruction into a refined prompt
type Refiner interface {
	Refine(ctx context.Context, raw string) (string, error)
}

// RefinementError wraps an upstream refinement failure. Tasks hitting it end
// in the refine-failed state and are not retried automatically.
type RefinementError struct {
	Err error
}

func (e *RefinementError) Error() string {
	return fmt.Sprintf("refinement failed: %v", e.Err)
}

func (e *RefinementError) Unwrap() error {
	return e.Err
}

// wake-word and politeness prefixes users habitually put in front of the
// actual instruction
var strippedPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^claude\s*[,:]?\s*`),
	regexp.MustCompile(`(?i)^hermes\s*[,:]?\s*`),
	regexp.MustCompile(`(?i)^(please|pls)\s+`),
	regexp.MustCompile(`(?i)^(could|can|would) you\s+`),
}

// Normalize collapses whitespace and strips wake-word prefixes so the model
// sees the instruction itself
func Normalize(raw string) string {
	normalized := strings.Join(strings.Fields(raw), " ")
	for _, prefix := range strippedPrefixes {
		normalized = prefix.ReplaceAllString(normalized, "")
	}
	return strings.TrimSpace(normalized)
}

// Passthrough skips refinement: the normalized raw text becomes the prompt.
// Used when no refinement backend is configured.
type Passthrough struct{}

func (Passthrough) Refine(_ context.Context, raw string) (string, error) {
	prompt := Normalize(raw)
	if prompt == "" {
		return "", &RefinementError{Err: fmt.Errorf("instruction is empty after normalization")}
	}
	return prompt, nil
}

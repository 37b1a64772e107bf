package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrUnparseablePlan indicates model output that could not be coerced into
// the expected plan shape even after repair.
var ErrUnparseablePlan = errors.New("unparseable plan output")

// parseJSON extracts and unmarshals a JSON value from raw model output.
//
// Models wrap JSON in prose and markdown fences and emit trailing commas or
// single quotes; strip the wrapping, then let jsonrepair fix what remains
// before giving up.
func parseJSON(raw string, v any) error {
	candidate := extractJSON(raw)
	if candidate == "" {
		return fmt.Errorf("%w: no JSON found in output", ErrUnparseablePlan)
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseablePlan, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnparseablePlan, err)
	}
	return nil
}

// extractJSON returns the outermost JSON array or object in the text.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	// Strip markdown fences.
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "[{")
	if start == -1 {
		return ""
	}
	var closer byte
	if text[start] == '[' {
		closer = ']'
	} else {
		closer = '}'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		// Truncated output; jsonrepair can often close it.
		return text[start:]
	}
	return text[start : end+1]
}

package gate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// redactor hides credentials before a payload lands in the violation log
// or an alert channel. Detection runs the standard rule corpus; matches
// are replaced with [REDACTED:rule-id:preview] markers so the record
// keeps enough context to investigate without leaking the secret itself.
type redactor struct {
	detector *detect.Detector
}

func newRedactor() (*redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	return &redactor{detector: detector}, nil
}

// Redact returns content with any detected secret replaced by a marker.
// A nil redactor passes content through unchanged.
func (r *redactor) Redact(content string) string {
	if r == nil {
		return content
	}

	findings := r.detector.DetectString(content)
	if len(findings) == 0 {
		return content
	}

	// Replace bottom-up so earlier indices stay valid.
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].StartLine != findings[j].StartLine {
			return findings[i].StartLine > findings[j].StartLine
		}
		return findings[i].StartColumn > findings[j].StartColumn
	})

	lines := strings.Split(content, "\n")
	for _, f := range findings {
		if f.StartLine < 1 || f.StartLine > len(lines) {
			continue
		}
		line := lines[f.StartLine-1]
		if f.StartColumn < 0 || f.EndColumn > len(line) || f.StartColumn > f.EndColumn {
			continue
		}
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret))
		lines[f.StartLine-1] = line[:f.StartColumn] + marker + line[f.EndColumn:]
	}
	return strings.Join(lines, "\n")
}

func preview(secret string) string {
	const n = 4
	if len(secret) <= n {
		return secret
	}
	return secret[:n]
}

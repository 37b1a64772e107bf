package gate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Verdict is the outcome side of a pattern rule.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
)

// Rule is one ordered pattern rule. The wire format is a comma-separated
// triple "VERDICT,LABEL,PATTERN", e.g. "DENY,CMD,rm -rf". The pattern is
// treated as a case-insensitive regular expression; a pattern that fails
// to compile is matched as a literal substring instead, so a rules file
// full of plain command fragments keeps working.
type Rule struct {
	Verdict Verdict
	Label   string
	Pattern *regexp.Regexp
	Raw     string
}

// ParseRule parses one "VERDICT,LABEL,PATTERN" rule string.
func ParseRule(raw string) (Rule, error) {
	parts := strings.SplitN(raw, ",", 3)
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("rule %q: want VERDICT,LABEL,PATTERN", raw)
	}

	verdict := Verdict(strings.ToUpper(strings.TrimSpace(parts[0])))
	if verdict != VerdictAllow && verdict != VerdictDeny {
		return Rule{}, fmt.Errorf("rule %q: unknown verdict %q", raw, parts[0])
	}

	pattern := strings.TrimSpace(parts[2])
	if pattern == "" {
		return Rule{}, fmt.Errorf("rule %q: empty pattern", raw)
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}

	return Rule{
		Verdict: verdict,
		Label:   strings.TrimSpace(parts[1]),
		Pattern: re,
		Raw:     raw,
	}, nil
}

// ParseRules parses rule strings in order, skipping blanks and # comments.
// A malformed rule is an error: a rules update must be all-or-nothing so a
// typo cannot silently drop half the active rule set.
func ParseRules(raws []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(raws))
	for _, raw := range raws {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		rule, err := ParseRule(trimmed)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// RuleSet holds the active ordered rules. Replace swaps the whole set
// atomically; Evaluate walks rules in order and the first match decides.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleSet creates a RuleSet from pre-parsed rules.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Replace installs a new ordered rule set.
func (s *RuleSet) Replace(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Len returns the number of active rules.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Evaluate matches goal against the active rules in order. The first
// matching rule decides; no match allows. The matched rule (zero Rule when
// none matched) is returned for violation records.
func (s *RuleSet) Evaluate(goal string) (Verdict, Rule) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		if rule.Pattern.MatchString(goal) {
			return rule.Verdict, rule
		}
	}
	return VerdictAllow, Rule{}
}

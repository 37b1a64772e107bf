package planner

import "strings"

// Intent tags a goal with the kind of automation it needs. The scheduler
// uses it to route tasks to a backend suited for the work.
type Intent string

const (
	IntentBrowser      Intent = "browser"
	IntentFileSystem   Intent = "filesystem"
	IntentUIAutomation Intent = "ui_automation"
	IntentGeneric      Intent = "generic"
)

// Classifier decides which intent a goal belongs to. The keyword heuristic
// below is one implementation; callers depend only on this interface.
type Classifier interface {
	Classify(goal string) Intent
}

// KeywordClassifier classifies by keyword match, first hit wins.
type KeywordClassifier struct{}

var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentBrowser, []string{"browser", "website", "url", "web page", "navigate", "search online", "download from"}},
	{IntentFileSystem, []string{"file", "folder", "directory", "rename", "move", "copy", "delete"}},
	{IntentUIAutomation, []string{"click", "type", "screenshot", "window", "menu", "button", "keyboard", "mouse"}},
}

// Classify returns the first intent whose keyword appears in the goal,
// or IntentGeneric.
func (KeywordClassifier) Classify(goal string) Intent {
	lower := strings.ToLower(goal)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.intent
			}
		}
	}
	return IntentGeneric
}

var _ Classifier = KeywordClassifier{}

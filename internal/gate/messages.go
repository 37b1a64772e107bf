package gate

import "encoding/json"

// NATS subjects forming the duplex channel between orchestrator and the
// isolated gate worker. Requests use request/reply; control messages are
// fire-and-forget; every evaluation record fans out on the violations
// subject, while DENY alerts additionally go to the alerts subject when
// the NATS notification channel is enabled.
const (
	SubjectRequests   = "security.gate.requests"
	SubjectControl    = "security.gate.control"
	SubjectViolations = "security.gate.violations"
	SubjectAlerts     = "security.gate.alerts"
)

// Message kinds accepted by the worker.
const (
	TypeUpdateRules                = "UPDATE_RULES"
	TypeUpdateNotificationSettings = "UPDATE_NOTIFICATION_SETTINGS"
	TypeExecutionRequest           = "EXECUTION_REQUEST"
)

// Decision actions.
const (
	ActionAllow = "ALLOW"
	ActionBlock = "BLOCK"
)

// Message is the wire envelope for everything the worker receives.
type Message struct {
	Type    string          `json:"type"`
	Details json.RawMessage `json:"details,omitempty"`
}

// UpdateRulesDetails replaces the active rule set.
type UpdateRulesDetails struct {
	Rules []string `json:"rules"`
}

// NotificationDetails reconfigures the alert channels.
type NotificationDetails struct {
	Log        bool   `json:"log"`
	NATS       bool   `json:"nats"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// ExecutionRequestDetails carries the intended action text.
type ExecutionRequestDetails struct {
	Goal string `json:"goal"`
}

// Decision is the reply to an EXECUTION_REQUEST.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

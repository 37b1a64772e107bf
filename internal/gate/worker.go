// Package gate implements the security gate: an isolated rule evaluator
// the orchestrator consults before every effectful action.
//
// The worker shares no memory with the orchestrator. It listens on a
// duplex NATS channel, evaluates EXECUTION_REQUEST goals against an
// ordered pattern rule set, replies ALLOW or BLOCK, and raises alerts on
// violations. Unrecognized message kinds resolve to the configured
// default decision, which is ALLOW (fail-open) unless fail_closed is set.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// Worker states, observable for tests and the stats endpoint.
const (
	StateIdle       = "idle"
	StateEvaluating = "evaluating"
)

const panicBackoff = 500 * time.Millisecond

// Worker is the isolated gate evaluator. Run it in its own process
// ("operatord gate") or on a dedicated goroutine with its own NATS
// connection; either way the only contact surface is the message channel.
type Worker struct {
	nc         *nats.Conn
	rules      *RuleSet
	violations *ViolationLog
	notifier   *Notifier
	redactor   *redactor
	logger     *logging.Logger
	failClosed bool

	state     atomicState
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWorker builds a Worker from configuration. Inline rules from cfg are
// installed immediately; a rules file, when configured, is loaded on top.
func NewWorker(cfg config.GateConfig, nc *nats.Conn, logger *logging.Logger) (*Worker, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("gate")

	rules, err := ParseRules(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("parsing configured rules: %w", err)
	}
	set := NewRuleSet(rules)

	if cfg.RulesPath != "" {
		fileRules, err := LoadRulesFile(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		set.Replace(append(rules, fileRules...))
	}

	violations, err := NewViolationLog(cfg.ViolationsPath)
	if err != nil {
		return nil, err
	}

	red, err := newRedactor()
	if err != nil {
		return nil, err
	}

	return &Worker{
		nc:         nc,
		rules:      set,
		violations: violations,
		notifier:   NewNotifier(NotificationDetails(cfg.Notifications), logger, nc),
		redactor:   red,
		logger:     logger,
		failClosed: cfg.FailClosed,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the worker's subscriptions are active.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Violations exposes the append-only evaluation log.
func (w *Worker) Violations() *ViolationLog {
	return w.violations
}

// State returns the worker's current state.
func (w *Worker) State() string {
	return w.state.load()
}

// Run subscribes to the request and control subjects and evaluates
// messages one at a time until ctx is cancelled or the channel closes.
// A panic inside one evaluation is caught, logged, and followed by a
// short backoff; the loop always resumes.
func (w *Worker) Run(ctx context.Context) error {
	w.state.store(StateIdle)

	msgCh := make(chan *nats.Msg, 64)
	subReq, err := w.nc.ChanSubscribe(SubjectRequests, msgCh)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectRequests, err)
	}
	defer subReq.Unsubscribe()

	subCtl, err := w.nc.ChanSubscribe(SubjectControl, msgCh)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectControl, err)
	}
	defer subCtl.Unsubscribe()

	if err := w.nc.Flush(); err != nil {
		return fmt.Errorf("flushing gate subscriptions: %w", err)
	}
	w.readyOnce.Do(func() { close(w.ready) })

	w.logger.Info(ctx, "security gate worker started",
		zap.Int("rules", w.rules.Len()),
		zap.Bool("fail_closed", w.failClosed),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "security gate worker stopping")
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				w.logger.Info(ctx, "security gate channel closed")
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

// handle processes one message with panic isolation.
func (w *Worker) handle(ctx context.Context, msg *nats.Msg) {
	w.state.store(StateEvaluating)
	defer w.state.store(StateIdle)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, "recovered from evaluation panic",
				zap.Any("panic", r),
			)
			time.Sleep(panicBackoff)
		}
	}()

	var envelope Message
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		w.logger.Warn(ctx, "undecodable gate message", zap.Error(err))
		w.replyDefault(ctx, msg, "undecodable message")
		return
	}

	switch envelope.Type {
	case TypeUpdateRules:
		w.handleUpdateRules(ctx, envelope.Details)
	case TypeUpdateNotificationSettings:
		w.handleUpdateNotifications(ctx, envelope.Details)
	case TypeExecutionRequest:
		w.handleExecutionRequest(ctx, msg, envelope.Details)
	default:
		w.logger.Warn(ctx, "unrecognized gate message kind",
			zap.String("type", envelope.Type),
		)
		w.replyDefault(ctx, msg, fmt.Sprintf("unrecognized message kind %q", envelope.Type))
	}
}

func (w *Worker) handleUpdateRules(ctx context.Context, details json.RawMessage) {
	var update UpdateRulesDetails
	if err := json.Unmarshal(details, &update); err != nil {
		w.logger.Warn(ctx, "undecodable rules update", zap.Error(err))
		return
	}

	rules, err := ParseRules(update.Rules)
	if err != nil {
		w.logger.Warn(ctx, "rejected rules update", zap.Error(err))
		return
	}

	w.rules.Replace(rules)
	w.logger.Info(ctx, "rule set replaced", zap.Int("rules", len(rules)))
}

func (w *Worker) handleUpdateNotifications(ctx context.Context, details json.RawMessage) {
	var settings NotificationDetails
	if err := json.Unmarshal(details, &settings); err != nil {
		w.logger.Warn(ctx, "undecodable notification update", zap.Error(err))
		return
	}
	w.notifier.Update(settings)
	w.logger.Info(ctx, "notification settings replaced")
}

func (w *Worker) handleExecutionRequest(ctx context.Context, msg *nats.Msg, details json.RawMessage) {
	var req ExecutionRequestDetails
	if err := json.Unmarshal(details, &req); err != nil {
		w.logger.Warn(ctx, "undecodable execution request", zap.Error(err))
		w.replyDefault(ctx, msg, "undecodable execution request")
		return
	}

	verdict, rule := w.rules.Evaluate(req.Goal)
	decision := Decision{Action: ActionAllow, Reason: "no rule matched"}
	if rule.Raw != "" {
		decision.Reason = fmt.Sprintf("rule %s matched pattern %q", rule.Label, rule.Pattern.String())
	}
	if verdict == VerdictDeny {
		decision.Action = ActionBlock
		decision.Reason = fmt.Sprintf("blocked by rule %s: pattern %q matched", rule.Label, trimPatternPrefix(rule.Pattern.String()))
	}

	risk := w.record(ctx, req.Goal, rule, decision)
	if decision.Action == ActionBlock {
		w.notifier.Alert(ctx, risk)
	}

	w.reply(ctx, msg, decision)
}

// record appends exactly one evaluation record, allowed or blocked, and
// fans it out to the violations subject for any interested subscriber.
func (w *Worker) record(ctx context.Context, goal string, rule Rule, decision Decision) SecurityRisk {
	risk := SecurityRisk{
		ID:          uuid.NewString(),
		Category:    "uncategorized",
		Severity:    SeverityLow,
		Description: decision.Reason,
		Payload:     w.redactor.Redact(goal),
		Decision:    decision.Action,
		Timestamp:   time.Now().UTC(),
	}
	if rule.Label != "" {
		risk.Category = rule.Label
	}
	if decision.Action == ActionBlock {
		risk.Severity = SeverityHigh
	}

	if err := w.violations.Append(risk); err != nil {
		w.logger.Error(ctx, "appending violation record failed", zap.Error(err))
	}

	if data, err := json.Marshal(risk); err == nil {
		if err := w.nc.Publish(SubjectViolations, data); err != nil {
			w.logger.Warn(ctx, "publishing evaluation record failed", zap.Error(err))
		}
	}
	return risk
}

// replyDefault answers with the configured default decision. It is used
// for unrecognized or undecodable messages that still carry a reply inbox.
func (w *Worker) replyDefault(ctx context.Context, msg *nats.Msg, reason string) {
	if msg.Reply == "" {
		return
	}
	w.reply(ctx, msg, w.DefaultDecision(reason))
}

func (w *Worker) reply(ctx context.Context, msg *nats.Msg, decision Decision) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(decision)
	if err == nil {
		err = msg.Respond(data)
	}
	if err != nil {
		w.logger.Error(ctx, "replying to gate request failed", zap.Error(err))
	}
}

// DefaultDecision is the decision used when no evaluation happened:
// ALLOW under the fail-open default, BLOCK when fail_closed is set.
func (w *Worker) DefaultDecision(reason string) Decision {
	if w.failClosed {
		return Decision{Action: ActionBlock, Reason: reason + " (fail-closed)"}
	}
	return Decision{Action: ActionAllow, Reason: reason + " (fail-open default)"}
}

// trimPatternPrefix drops the case-insensitivity flag so reasons quote the
// pattern the operator wrote.
func trimPatternPrefix(pattern string) string {
	const prefix = "(?i)"
	if len(pattern) > len(prefix) && pattern[:len(prefix)] == prefix {
		return pattern[len(prefix):]
	}
	return pattern
}

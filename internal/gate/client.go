package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/logging"
)

const defaultRequestTimeout = 5 * time.Second

// Approver is the orchestrator-side contract for pre-execution approval.
type Approver interface {
	Approve(ctx context.Context, goal string) (Decision, error)
}

// Client asks the gate worker for approval over the request subject. A
// missing or late reply resolves to the configured default decision, so a
// dead worker degrades the gate rather than wedging every task.
type Client struct {
	nc         *nats.Conn
	timeout    time.Duration
	failClosed bool
	logger     *logging.Logger
}

// NewClient creates a gate client.
func NewClient(cfg config.GateConfig, nc *nats.Conn, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		nc:         nc,
		timeout:    timeout,
		failClosed: cfg.FailClosed,
		logger:     logger.Named("gate.client"),
	}
}

// Approve submits goal for evaluation and returns the worker's decision.
// The exchange is bounded by the configured timeout; on timeout the
// default decision is returned and the degradation is logged.
func (c *Client) Approve(ctx context.Context, goal string) (Decision, error) {
	details, err := json.Marshal(ExecutionRequestDetails{Goal: goal})
	if err != nil {
		return Decision{}, fmt.Errorf("encoding execution request: %w", err)
	}
	data, err := json.Marshal(Message{Type: TypeExecutionRequest, Details: details})
	if err != nil {
		return Decision{}, fmt.Errorf("encoding execution request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, SubjectRequests, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			decision := c.defaultDecision("gate did not reply")
			c.logger.Warn(ctx, "gate unreachable, using default decision",
				zap.String("action", decision.Action),
				zap.Error(err),
			)
			return decision, nil
		}
		return Decision{}, fmt.Errorf("gate request failed: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return Decision{}, fmt.Errorf("decoding gate decision: %w", err)
	}
	return decision, nil
}

// UpdateRules publishes a rule set replacement on the control subject.
func (c *Client) UpdateRules(rules []string) error {
	details, err := json.Marshal(UpdateRulesDetails{Rules: rules})
	if err != nil {
		return fmt.Errorf("encoding rules update: %w", err)
	}
	return c.publishControl(Message{Type: TypeUpdateRules, Details: details})
}

// UpdateNotifications publishes a notification settings replacement.
func (c *Client) UpdateNotifications(settings NotificationDetails) error {
	details, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding notification update: %w", err)
	}
	return c.publishControl(Message{Type: TypeUpdateNotificationSettings, Details: details})
}

func (c *Client) publishControl(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}
	if err := c.nc.Publish(SubjectControl, data); err != nil {
		return fmt.Errorf("publishing control message: %w", err)
	}
	return nil
}

func (c *Client) defaultDecision(reason string) Decision {
	if c.failClosed {
		return Decision{Action: ActionBlock, Reason: reason + " (fail-closed)"}
	}
	return Decision{Action: ActionAllow, Reason: reason + " (fail-open default)"}
}

var _ Approver = (*Client)(nil)

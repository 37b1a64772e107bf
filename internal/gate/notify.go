package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// Notifier raises alerts on DENY verdicts across the enabled channels.
// Channel selection can be reconfigured at runtime via the control
// subject, so settings sit behind a mutex.
type Notifier struct {
	mu       sync.RWMutex
	settings NotificationDetails

	logger *logging.Logger
	nc     *nats.Conn
	client *http.Client
}

// NewNotifier creates a Notifier. nc may be nil when the NATS channel is
// disabled.
func NewNotifier(settings NotificationDetails, logger *logging.Logger, nc *nats.Conn) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{
		settings: settings,
		logger:   logger.Named("gate.notify"),
		nc:       nc,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Update replaces the channel settings.
func (n *Notifier) Update(settings NotificationDetails) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settings = settings
}

// Alert fans the violation out to every enabled channel. Channel failures
// are logged and never propagate; an unreachable webhook must not change
// the gate's decision.
func (n *Notifier) Alert(ctx context.Context, risk SecurityRisk) {
	n.mu.RLock()
	settings := n.settings
	n.mu.RUnlock()

	if settings.Log {
		n.logger.Warn(ctx, "security violation",
			zap.String("category", risk.Category),
			zap.String("severity", string(risk.Severity)),
			zap.String("decision", risk.Decision),
			zap.String("payload", risk.Payload),
		)
	}

	if settings.NATS && n.nc != nil {
		data, err := json.Marshal(risk)
		if err == nil {
			err = n.nc.Publish(SubjectAlerts, data)
		}
		if err != nil {
			n.logger.Warn(ctx, "publishing violation failed", zap.Error(err))
		}
	}

	if settings.WebhookURL != "" {
		if err := n.postWebhook(ctx, settings.WebhookURL, risk); err != nil {
			n.logger.Warn(ctx, "violation webhook failed",
				zap.String("url", settings.WebhookURL),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, url string, risk SecurityRisk) error {
	body, err := json.Marshal(risk)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

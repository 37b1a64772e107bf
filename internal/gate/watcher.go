package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// debounce coalesces the write bursts editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// LoadRulesFile reads a rules file: one VERDICT,LABEL,PATTERN rule per
// line, blank lines and # comments ignored.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	rules, err := ParseRules(strings.Split(string(data), "\n"))
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// RulesWatcher hot-reloads the rules file. On change it re-parses the
// file and publishes an UPDATE_RULES control message, so the reload path
// is identical whether the worker runs in-process or out.
type RulesWatcher struct {
	path    string
	nc      *nats.Conn
	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

// NewRulesWatcher creates a watcher on the rules file.
func NewRulesWatcher(path string, nc *nats.Conn, logger *logging.Logger) (*RulesWatcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating rules watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching rules file %s: %w", path, err)
	}

	return &RulesWatcher{
		path:    path,
		nc:      nc,
		watcher: watcher,
		logger:  logger.Named("gate.watcher"),
	}, nil
}

// Run blocks until ctx is cancelled, publishing a rules update after each
// observed change. A file that momentarily fails to parse keeps the
// previous rule set active.
func (w *RulesWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.publish(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "rules watcher error", zap.Error(err))
		}
	}
}

func (w *RulesWatcher) publish(ctx context.Context) {
	rules, err := LoadRulesFile(w.path)
	if err != nil {
		w.logger.Warn(ctx, "skipping rules reload", zap.Error(err))
		return
	}

	raws := make([]string, len(rules))
	for i, r := range rules {
		raws[i] = r.Raw
	}

	details, err := json.Marshal(UpdateRulesDetails{Rules: raws})
	if err != nil {
		w.logger.Error(ctx, "encoding rules update failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(Message{Type: TypeUpdateRules, Details: details})
	if err != nil {
		w.logger.Error(ctx, "encoding rules update failed", zap.Error(err))
		return
	}

	if err := w.nc.Publish(SubjectControl, data); err != nil {
		w.logger.Error(ctx, "publishing rules update failed", zap.Error(err))
		return
	}
	w.logger.Info(ctx, "rules file reloaded", zap.Int("rules", len(rules)))
}

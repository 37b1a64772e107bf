// Package tools implements the tool invoker: a registry keyed by name
// mapping to a single capability interface.
//
// The orchestrator never needs concrete tool types. Builtin tools are
// registered at construction and exec-backed tools are discovered at
// startup by scanning a manifest directory; both sit behind the same
// Invoke contract.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// Typed errors callers branch on. ToolNotFound and InvalidArguments are
// plan-level errors: the executor replans instead of crashing.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ExecError wraps a failure inside a tool's execution.
type ExecError struct {
	Tool string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.Tool, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Invoker dispatches a named tool with arguments.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
	Names() []string
}

// Tool is one registered capability.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, args map[string]any) (string, error)
}

// Registry implements Invoker over a name-keyed tool map.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *logging.Logger
}

// NewRegistry creates a Registry pre-populated with the builtin tools.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: logger.Named("tools"),
	}
	for _, t := range builtins() {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Invoke runs the named tool. Unknown names return ErrToolNotFound.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	result, err := t.Run(ctx, args)
	if err != nil {
		r.logger.Warn(ctx, "tool invocation failed",
			zap.String("tool", name),
			zap.Error(err),
		)
		return "", err
	}
	return result, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidArguments, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidArguments, key)
	}
	return s, nil
}

var _ Invoker = (*Registry)(nil)

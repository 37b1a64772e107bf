package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const maxFetchBytes = 1 << 20 // 1MB

func builtins() []Tool {
	return []Tool{
		noopTool{},
		screenshotTool{},
		&fetchTool{client: &http.Client{Timeout: 30 * time.Second}},
	}
}

// noopTool is the guaranteed-safe step used by operational plan fallbacks.
type noopTool struct{}

func (noopTool) Name() string        { return "noop" }
func (noopTool) Description() string { return "Does nothing and reports what it skipped" }

func (noopTool) Run(_ context.Context, args map[string]any) (string, error) {
	if note, ok := args["note"].(string); ok {
		return "noop: " + note, nil
	}
	return "noop", nil
}

// screenshotTool captures the screen. The capture backend is
// platform-specific and injected at the edge; the core ships a marker-file
// stub so plans exercising the tool remain testable headless.
type screenshotTool struct{}

func (screenshotTool) Name() string        { return "screenshot" }
func (screenshotTool) Description() string { return "Captures the screen to an image file" }

func (screenshotTool) Run(_ context.Context, args map[string]any) (string, error) {
	dir := os.TempDir()
	if d, ok := args["dir"].(string); ok && d != "" {
		dir = d
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte("PNG-STUB"), 0600); err != nil {
		return "", &ExecError{Tool: "screenshot", Err: err}
	}
	return path, nil
}

// fetchTool performs a bounded HTTP GET.
type fetchTool struct {
	client *http.Client
}

func (*fetchTool) Name() string        { return "http_fetch" }
func (*fetchTool) Description() string { return "Fetches a URL and returns the body (1MB cap)" }

func (f *fetchTool) Run(ctx context.Context, args map[string]any) (string, error) {
	url, err := stringArg(args, "url")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &ExecError{Tool: "http_fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &ExecError{Tool: "http_fetch", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", &ExecError{Tool: "http_fetch", Err: err}
	}
	return string(body), nil
}

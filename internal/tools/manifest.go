package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Manifest describes one exec-backed tool loaded from a TOML file.
//
// Example manifest:
//
//	name = "open_editor"
//	description = "Opens the default text editor"
//	command = "/usr/bin/xdg-open"
//	args = ["{{path}}"]
//
//	[params]
//	path = "path of the file to open"
type Manifest struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Params      map[string]string `toml:"params"`
}

// Validate checks manifest completeness.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Command == "" {
		return fmt.Errorf("manifest %q missing command", m.Name)
	}
	return nil
}

// DiscoverDir scans dir for *.toml manifests and registers an exec-backed
// tool per valid manifest. Invalid manifests are skipped with a warning so
// one broken file cannot block startup. A missing directory is not an
// error; it just means no external tools.
func (r *Registry) DiscoverDir(ctx context.Context, dir string) error {
	expanded, err := expandToolPath(dir)
	if err != nil {
		return fmt.Errorf("expanding manifest dir: %w", err)
	}

	entries, err := os.ReadDir(expanded)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading manifest dir %s: %w", expanded, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(expanded, entry.Name())

		var m Manifest
		if _, err := toml.DecodeFile(path, &m); err != nil {
			r.logger.Warn(ctx, "skipping unparseable tool manifest",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		if err := m.Validate(); err != nil {
			r.logger.Warn(ctx, "skipping invalid tool manifest",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}

		r.Register(&execTool{manifest: m})
		loaded++
	}

	r.logger.Info(ctx, "tool manifests discovered",
		zap.String("dir", expanded),
		zap.Int("loaded", loaded),
	)
	return nil
}

func expandToolPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// execTool runs a manifest-declared command, substituting {{param}}
// placeholders in the declared arg templates from the invocation args.
type execTool struct {
	manifest Manifest
}

func (t *execTool) Name() string        { return t.manifest.Name }
func (t *execTool) Description() string { return t.manifest.Description }

func (t *execTool) Run(ctx context.Context, args map[string]any) (string, error) {
	cmdArgs := make([]string, len(t.manifest.Args))
	for i, tmpl := range t.manifest.Args {
		rendered, err := renderArg(tmpl, args)
		if err != nil {
			return "", err
		}
		cmdArgs[i] = rendered
	}

	cmd := exec.CommandContext(ctx, t.manifest.Command, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &ExecError{Tool: t.manifest.Name, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}
	return strings.TrimSpace(string(out)), nil
}

// renderArg substitutes every {{key}} in the template in one left-to-right
// pass. Substituted values are never rescanned: arg values come from model
// output and prior step results, so a value containing "{{...}}" must stay
// literal. A placeholder with no matching invocation arg is an
// InvalidArguments error.
func renderArg(tmpl string, args map[string]any) (string, error) {
	var out strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		key := rest[start+2 : start+end]
		v, ok := args[key]
		if !ok {
			return "", fmt.Errorf("%w: missing %q", ErrInvalidArguments, key)
		}
		out.WriteString(rest[:start])
		out.WriteString(fmt.Sprint(v))
		rest = rest[start+end+2:]
	}
}

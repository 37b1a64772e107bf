package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Invoke(context.Background(), "does_not_exist", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(nil)

	names := r.Names()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "noop")
	assert.Contains(t, names, "screenshot")
	assert.Contains(t, names, "http_fetch")
	assert.True(t, sort.StringsAreSorted(names))
}

func TestNoopTool(t *testing.T) {
	r := NewRegistry(nil)

	out, err := r.Invoke(context.Background(), "noop", map[string]any{"note": "skipped risky step"})
	require.NoError(t, err)
	assert.Equal(t, "noop: skipped risky step", out)

	out, err = r.Invoke(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.Equal(t, "noop", out)
}

func TestScreenshotToolWritesFile(t *testing.T) {
	r := NewRegistry(nil)
	dir := t.TempDir()

	path, err := r.Invoke(context.Background(), "screenshot", map[string]any{"dir": dir})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestFetchToolRequiresURL(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Invoke(context.Background(), "http_fetch", map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestDiscoverDirLoadsManifests(t *testing.T) {
	dir := t.TempDir()

	manifest := `
name = "echo_text"
description = "Echoes the given text"
command = "/bin/echo"
args = ["{{text}}"]

[params]
text = "text to echo"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.toml"), []byte(manifest), 0600))

	// Broken manifests are skipped, never fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("name = [unclosed"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nocmd.toml"), []byte(`name = "nocmd"`), 0600))

	r := NewRegistry(nil)
	require.NoError(t, r.DiscoverDir(context.Background(), dir))

	assert.Contains(t, r.Names(), "echo_text")
	assert.NotContains(t, r.Names(), "nocmd")

	out, err := r.Invoke(context.Background(), "echo_text", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestDiscoverDirMissingDirIsNotAnError(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.DiscoverDir(context.Background(), filepath.Join(t.TempDir(), "missing")))
}

func TestExecToolMissingPlaceholderArg(t *testing.T) {
	tool := &execTool{manifest: Manifest{
		Name:    "echo_text",
		Command: "/bin/echo",
		Args:    []string{"{{text}}"},
	}}

	_, err := tool.Run(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}

func TestRenderArgMultiplePlaceholders(t *testing.T) {
	out, err := renderArg("{{a}}-{{b}}", map[string]any{"a": "x", "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "x-2", out)
}

func TestRenderArgNeverRescansSubstitutedValues(t *testing.T) {
	// Values carrying placeholder syntax stay literal.
	out, err := renderArg("{{path}}", map[string]any{"path": "{{path}}"})
	require.NoError(t, err)
	assert.Equal(t, "{{path}}", out)

	out, err = renderArg("{{a}} {{b}}", map[string]any{"a": "{{b}}", "b": "done"})
	require.NoError(t, err)
	assert.Equal(t, "{{b}} done", out)
}

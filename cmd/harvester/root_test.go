package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/browser"
	"github.com/JakeFAU/catalog-harvester/internal/config"
)

type fakeRunner struct {
	cfg    config.Config
	err    error
	ran    bool
	closed bool
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func (f *fakeRunner) Close(context.Context) { f.closed = true }

func (f *fakeRunner) GetLogger() *zap.Logger { return zap.NewNop() }

// swapRunner replaces newRunner for one test. Tests using it must not run in
// parallel.
func swapRunner(t *testing.T, f *fakeRunner) {
	t.Helper()
	orig := newRunner
	newRunner = func(_ context.Context, cfg config.Config) (runner, error) {
		f.cfg = cfg
		return f, nil
	}
	t.Cleanup(func() { newRunner = orig })
}

func execute(ctx context.Context, args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(ctx)
}

func TestRunAppliesPositionalArgs(t *testing.T) {
	f := &fakeRunner{}
	swapRunner(t, f)
	out := t.TempDir()

	require.NoError(t, execute(context.Background(), "run", "4", "3", out))
	assert.True(t, f.ran)
	assert.True(t, f.closed)
	assert.Equal(t, 4, f.cfg.Run.Workers)
	assert.Equal(t, 3, f.cfg.Run.Index)
	assert.Equal(t, out, f.cfg.Run.OutputDir)
}

func TestRunReadsConfigFile(t *testing.T) {
	f := &fakeRunner{}
	swapRunner(t, f)
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ops:\n  addr: \":9090\"\n"), 0o600))

	require.NoError(t, execute(context.Background(), "--config", path, "run", "1", "0", t.TempDir()))
	assert.Equal(t, ":9090", f.cfg.Ops.Addr)
}

func TestRunRejectsBadArgs(t *testing.T) {
	f := &fakeRunner{}
	swapRunner(t, f)

	for name, args := range map[string][]string{
		"too few":          {"run", "1", "0"},
		"workers not int":  {"run", "x", "0", "out"},
		"index not int":    {"run", "1", "y", "out"},
		"index too large":  {"run", "2", "2", "out"},
		"negative workers": {"run", "-1", "0", "out"},
	} {
		require.Error(t, execute(context.Background(), args...), name)
	}
	assert.False(t, f.ran)
}

func TestRunSurfacesFailures(t *testing.T) {
	f := &fakeRunner{err: errors.New("catalog incomplete")}
	swapRunner(t, f)

	err := execute(context.Background(), "run", "1", "0", t.TempDir())
	require.ErrorContains(t, err, "catalog incomplete")
	assert.True(t, f.closed)
}

func TestRunTreatsInterruptAsClean(t *testing.T) {
	f := &fakeRunner{err: context.Canceled}
	swapRunner(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, execute(ctx, "run", "1", "0", t.TempDir()))
}

func TestCookiesWritesCapturedCookies(t *testing.T) {
	orig := captureCookies
	t.Cleanup(func() { captureCookies = orig })
	var gotWait time.Duration
	captureCookies = func(_ context.Context, cfg config.Config, wait time.Duration, _ *zap.Logger) ([]browser.Cookie, error) {
		gotWait = wait
		return []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/"}}, nil
	}
	path := filepath.Join(t.TempDir(), "cookies.json")

	require.NoError(t, execute(context.Background(), "cookies", path, "--wait", "5s"))
	assert.Equal(t, 5*time.Second, gotWait)
	cookies, err := browser.LoadCookies(path)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)
}

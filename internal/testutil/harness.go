package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/engine"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// EngineResult holds an engine built for a test and the log output it
// produces.
type EngineResult struct {
	Engine *engine.Engine
	Logs   *SafeBuffer
}

// NewEngine builds an engine on the default configuration, adjusted by
// mutate, loads modules into it and releases it when the test ends. Set
// VG_TEST_LOGS=true to print the engine's log output after the test.
func NewEngine(t *testing.T, modules []engine.Module, mutate ...func(*config.Engine)) *EngineResult {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}

	logs := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := engine.New(context.Background(), cfg, engine.WithLogger(logger))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = e.Release()
		if os.Getenv("VG_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})

	for _, m := range modules {
		require.NoError(t, e.LoadModule(context.Background(), m), "loading module %s", m.Name())
	}
	return &EngineResult{Engine: e, Logs: logs}
}

// Kernel looks a kernel up by name and drops the lookup hold again.
func Kernel(t *testing.T, e *engine.Engine, name string) *engine.Kernel {
	t.Helper()
	k, err := e.KernelByName(name)
	require.NoError(t, err)
	require.NoError(t, k.Release())
	return k
}

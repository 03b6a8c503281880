package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/imageio"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/testutil"
	"github.com/vk/visiongraph/modules/pixel"
)

const invertGraph = `
	image "input" {
	  width  = 3
	  height = 2
	  value  = 40
	}
	image "result" {
	  width  = 3
	  height = 2
	  output = "result.png"
	}
	node "not" {
	  kernel = "pixel.not"
	  params = [image.input, image.result]
	}
`

func writeGraph(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testutil.Unindent(src)), 0o644))
	return path
}

func newTestApp(t *testing.T, cfg Config) (*App, *testutil.SafeBuffer) {
	t.Helper()
	c, err := NewConfig(cfg)
	require.NoError(t, err)
	logs := &testutil.SafeBuffer{}
	a, err := NewApp(context.Background(), logs, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, logs
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.ErrorContains(t, err, "GraphPath")

	c, err := NewConfig(Config{GraphPath: "g.hcl"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Iterations)

	_, err = NewConfig(Config{GraphPath: "g.hcl", Iterations: -2})
	assert.Error(t, err)
	_, err = NewConfig(Config{GraphPath: "g.hcl", Workers: -1})
	assert.Error(t, err)
	_, err = NewConfig(Config{GraphPath: "g.hcl", HealthcheckPort: 70000})
	assert.Error(t, err)
}

func TestApp_Run(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "process"
		if async {
			name = "schedule"
		}
		t.Run(name, func(t *testing.T) {
			out := t.TempDir()
			a, logs := newTestApp(t, Config{
				GraphPath:  writeGraph(t, invertGraph),
				OutputDir:  out,
				Iterations: 3,
				Async:      async,
				LogLevel:   "debug",
			})

			require.NoError(t, a.Run(context.Background()))
			assert.Equal(t, 3, a.Graph().Graph.Perf().Count)
			assert.Contains(t, logs.String(), "Output written.")

			img, err := imageio.Load(a.Engine(), filepath.Join(out, "result.png"))
			require.NoError(t, err)
			defer img.Release()
			assert.Equal(t, []byte{215, 215, 215, 215, 215, 215}, testutil.ReadPlane(t, img, 0))
		})
	}
}

func TestApp_EngineConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "engine.hcl")
	require.NoError(t, os.WriteFile(cfgPath, []byte("engine {\n  workers = 3\n}\n"), 0o644))

	a, _ := newTestApp(t, Config{GraphPath: writeGraph(t, invertGraph), EngineConfigPath: cfgPath, Workers: 2})
	assert.Equal(t, []string{"pixel", "stats"}, a.Engine().Modules())
	assert.Len(t, a.Graph().Nodes, 1)
}

func TestNewApp_CustomModules(t *testing.T) {
	c, err := NewConfig(Config{GraphPath: writeGraph(t, invertGraph)})
	require.NoError(t, err)

	a, err := NewApp(context.Background(), &testutil.SafeBuffer{}, c, &pixel.Module{}, &testutil.SimpleModule{ModuleName: "extra"})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, []string{"extra", "pixel"}, a.Engine().Modules())

	t.Run("publish failure", func(t *testing.T) {
		broken := &testutil.SimpleModule{
			ModuleName: "broken",
			Publish:    func(*engine.Engine) error { return errors.New("boom") },
		}
		_, err := NewApp(context.Background(), &testutil.SafeBuffer{}, c, broken)
		assert.ErrorContains(t, err, `failed to load module "broken"`)
	})
}

func TestNewApp_Errors(t *testing.T) {
	t.Run("missing graph", func(t *testing.T) {
		c, err := NewConfig(Config{GraphPath: filepath.Join(t.TempDir(), "none.hcl")})
		require.NoError(t, err)
		_, err = NewApp(context.Background(), &testutil.SafeBuffer{}, c)
		assert.ErrorContains(t, err, "failed to load graph")
	})

	t.Run("unknown kernel", func(t *testing.T) {
		c, err := NewConfig(Config{GraphPath: writeGraph(t, `
			node "x" {
			  kernel = "pixel.nope"
			  params = []
			}
		`)})
		require.NoError(t, err)
		_, err = NewApp(context.Background(), &testutil.SafeBuffer{}, c)
		assert.Error(t, err)
	})

	t.Run("missing engine config", func(t *testing.T) {
		c, err := NewConfig(Config{GraphPath: writeGraph(t, invertGraph), EngineConfigPath: "/nonexistent/engine.hcl"})
		require.NoError(t, err)
		_, err = NewApp(context.Background(), &testutil.SafeBuffer{}, c)
		assert.ErrorContains(t, err, "engine configuration")
	})
}

func TestApp_RunVerifyFailure(t *testing.T) {
	// Two nodes writing the same image.
	a, _ := newTestApp(t, Config{GraphPath: writeGraph(t, `
		image "a" {
		  width  = 2
		  height = 2
		  value  = 1
		}
		image "b" {
		  width  = 2
		  height = 2
		}
		node "one" {
		  kernel = "pixel.not"
		  params = [image.a, image.b]
		}
		node "two" {
		  kernel = "pixel.not"
		  params = [image.a, image.b]
		}
	`)})
	err := a.Run(context.Background())
	assert.ErrorContains(t, err, "verification failed")
}

func TestApp_Handler(t *testing.T) {
	a, _ := newTestApp(t, Config{GraphPath: writeGraph(t, invertGraph)})
	require.NoError(t, a.Run(context.Background()))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_CloseTwice(t *testing.T) {
	c, err := NewConfig(Config{GraphPath: writeGraph(t, invertGraph)})
	require.NoError(t, err)
	a, err := NewApp(context.Background(), &testutil.SafeBuffer{}, c)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewLogger(t *testing.T) {
	buf := &testutil.SafeBuffer{}
	l := newLogger("warn", "json", buf)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf = &testutil.SafeBuffer{}
	newLogger("bogus", "text", buf).Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}

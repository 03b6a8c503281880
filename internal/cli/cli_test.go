package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/app"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		want     *app.Config
		exit     bool
		exitCode int
		errMsg   string
	}{
		{
			name: "positional path with defaults",
			args: []string{"graphs/edges.hcl"},
			want: &app.Config{
				GraphPath:  "graphs/edges.hcl",
				OutputDir:  ".",
				Iterations: 1,
				LogFormat:  "json",
				LogLevel:   "info",
			},
		},
		{
			name: "all flags",
			args: []string{
				"-graph", "g", "-engine-config", "engine.hcl", "-output-dir", "out",
				"-iterations", "5", "-async", "-healthcheck-port", "8080",
				"-log-format", "TEXT", "-log-level", "Debug", "-workers", "3",
				"-logsink-url", "http://localhost:3000/socket.io/",
			},
			want: &app.Config{
				GraphPath:        "g",
				EngineConfigPath: "engine.hcl",
				OutputDir:        "out",
				Iterations:       5,
				Async:            true,
				HealthcheckPort:  8080,
				LogFormat:        "text",
				LogLevel:         "debug",
				Workers:          3,
				LogSinkURL:       "http://localhost:3000/socket.io/",
			},
		},
		{
			name: "graph flag wins over shorthand and argument",
			args: []string{"-graph", "a", "-g", "b", "c"},
			want: &app.Config{GraphPath: "a", OutputDir: ".", Iterations: 1, LogFormat: "json", LogLevel: "info"},
		},
		{
			name: "shorthand wins over argument",
			args: []string{"-g", "b", "c"},
			want: &app.Config{GraphPath: "b", OutputDir: ".", Iterations: 1, LogFormat: "json", LogLevel: "info"},
		},
		{name: "no path prints usage", args: nil, exit: true},
		{name: "help", args: []string{"-h"}, exit: true},
		{name: "unknown flag", args: []string{"-nope"}, exitCode: 2, errMsg: "flag provided but not defined"},
		{name: "bad log format", args: []string{"-log-format", "xml", "g"}, exitCode: 2, errMsg: "invalid log-format"},
		{name: "bad log level", args: []string{"-log-level", "trace", "g"}, exitCode: 2, errMsg: "invalid log-level"},
		{name: "bad iterations", args: []string{"-iterations", "0", "g"}, exitCode: 2, errMsg: "invalid iterations"},
		{name: "negative workers", args: []string{"-workers", "-1", "g"}, exitCode: 2, errMsg: "workers"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			cfg, exit, err := Parse(tc.args, out)
			if tc.errMsg != "" {
				require.Error(t, err)
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, tc.exitCode, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exit, exit)
			if tc.exit {
				assert.Nil(t, cfg)
				assert.Contains(t, out.String(), "Usage:")
				return
			}
			assert.Equal(t, tc.want, cfg)
		})
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ProcessesGraph(t *testing.T) {
	dir := t.TempDir()
	graph := `
image "input" {
  width  = 2
  height = 2
  value  = 7
}
image "copy" {
  width  = 2
  height = 2
  output = "copy.bmp"
}
node "copy" {
  kernel = "pixel.copy"
  params = [image.input, image.copy]
}
`
	path := filepath.Join(dir, "main.hcl")
	require.NoError(t, os.WriteFile(path, []byte(graph), 0o600))

	out := &bytes.Buffer{}
	err := run(out, []string{"-output-dir", dir, "-iterations", "2", "-log-format", "text", path})
	require.NoError(t, err, out.String())
	assert.FileExists(t, filepath.Join(dir, "copy.bmp"))
	assert.Contains(t, out.String(), "Execution finished.")
}

func TestRun_InvalidGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.hcl")
	require.NoError(t, os.WriteFile(path, []byte("node \"a\" {\n  kernel = \n"), 0o600))

	err := run(&bytes.Buffer{}, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load graph")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()
	out := &bytes.Buffer{}
	err := run(out, []string{"-h"})
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()
	err := run(&bytes.Buffer{}, []string{"--this-is-not-a-valid-flag"})
	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

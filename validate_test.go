package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeWorkflow(t, dir, "good.yaml", `
nodes:
  - id: greet
    config:
      prompt: Say hello.
  - id: bye
    type: end_call
edges:
  - source: greet
    target: bye
`)
	orphan := writeWorkflow(t, dir, "orphan.yaml", `
nodes:
  - id: greet
  - id: bye
    type: end_call
  - id: lost
    type: end_call
edges:
  - source: greet
    target: bye
`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"validate", good})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "good.yaml: ok")

	out.Reset()
	rootCmd.SetArgs([]string{"validate", good, orphan, filepath.Join(dir, "missing.yaml")})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 workflows failed validation")
	assert.Contains(t, out.String(), `node "lost" is unreachable`)
}

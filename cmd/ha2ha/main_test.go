package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInit_CreatesKeystore(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "id.keystore")
	var stdout, stderr bytes.Buffer

	code := Run([]string{"ha2ha", "init", "--name", "test-agent", "--out", out, "--passphrase", "correct horse battery staple"}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "test-agent")
	_, err := os.Stat(out)
	require.NoError(t, err)
}

func TestRunInit_RequiresName(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"ha2ha", "init", "--passphrase", "x"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestRunTrust_BlockAndList(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "trust.json")
	var stdout, stderr bytes.Buffer

	code := Run([]string{"ha2ha", "trust", "block", "--store", store, "--peer", "peer-a", "--reason", "bad behavior", "--by", "operator:cli"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	stdout.Reset()
	code = Run([]string{"ha2ha", "trust", "list", "--store", store}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "peer-a")
	assert.Contains(t, stdout.String(), "BLOCKED")
}

func TestRunAudit_VerifyCleanLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.ndjson")
	var stdout, stderr bytes.Buffer

	code := Run([]string{"ha2ha", "audit", "verify", "--log", logPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "chain OK")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"ha2ha", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privd/internal/privd/domain"
)

func TestQuoteCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newQuoteCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"echo hi; rm -rf /"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "'echo hi; rm -rf /'\n", out.String())

	out.Reset()
	cmd.SetArgs([]string{"ls", "a b"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "ls 'a b'\n", out.String())
}

func TestRandomKey(t *testing.T) {
	a, err := randomKey()
	require.NoError(t, err)
	b, err := randomKey()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)

	path := filepath.Join(t.TempDir(), "key")
	cmd := newRandomKeyCmd()
	cmd.SetArgs([]string{"--output", path})
	require.NoError(t, cmd.Execute())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(string(data)), 43)
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(&ExitError{Code: 3}); got != 3 {
		t.Errorf("Expected exit code 3, got %d", got)
	}
	if got := ExitCode(assert.AnError); got != 1 {
		t.Errorf("Expected exit code 1, got %d", got)
	}
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRunCmd()
	cmd.SetOut(&out)

	err := printJSON(cmd, &domain.ExecutionResult{Stdout: []byte(`{"domains":["example.org"],"running":true}`)})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"domains\": [\n    \"example.org\"\n  ],\n  \"running\": true\n}\n", out.String())

	err = printJSON(cmd, &domain.ExecutionResult{Stdout: []byte("True\n")})
	assert.Error(t, err)
}

func TestPrintQuery(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, printQuery(&out, true))
	assert.Equal(t, "true\n", out.String())

	out.Reset()
	err := printQuery(&out, false)
	assert.Equal(t, "false\n", out.String())
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
}

package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelp_EndsWithSingleNewline(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = stdout })

	help()
	require.NoError(t, w.Close())
	os.Stdout = stdout

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "Usage: registry-updater <command> [flags]")
	assert.True(t, strings.HasSuffix(text, "command.\n"), "unexpected tail %q", text[len(text)-20:])
}

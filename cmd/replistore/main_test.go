package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntArgs(t *testing.T) {
	var port, r int
	require.NoError(t, intArgs([]string{"4000", "2"}, []string{"port", "replication factor"}, &port, &r))
	assert.Equal(t, 4000, port)
	assert.Equal(t, 2, r)

	err := intArgs([]string{"abc"}, []string{"port"}, &port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestRenderFileTable(t *testing.T) {
	assert.Contains(t, renderFileTable(nil), "No files stored")

	out := renderFileTable([]string{"a.txt", "dir/b.txt"})
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "dir/b.txt")
	assert.Contains(t, out, "2 file(s)")
}

func TestControllerCommandRejectsBadArgs(t *testing.T) {
	t.Setenv("REPLISTORE_MODE", "controller")

	cmd := controllerCmd()
	cmd.SetArgs([]string{"4000", "zero"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replication factor")
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	for path, want := range map[string]string{
		"":                   "",
		"/tmp/trace.png":     "/tmp/trace.png",
		"relative/trace.png": "relative/trace.png",
		"~":                  usr.HomeDir,
		"~/trace.png":        filepath.Join(usr.HomeDir, "trace.png"),
	} {
		got, err := ExpandHome(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err = ExpandHome("~user-that-does-not-exist-42/x")
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "trace.svg")
	got, err := OutputPath(target)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	exists, err := FileExists(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(target)
	require.NoError(t, err)
	assert.False(t, exists)
}

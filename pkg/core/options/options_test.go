// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package options

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	assert.Equal(t, TargetHostTask, o.Target)
	assert.Equal(t, TileReleaseAll, o.TileRelease)
	assert.Equal(t, 1, o.Lookahead)
	assert.GreaterOrEqual(t, o.MaxPanelThreads, 1)
	assert.Equal(t, 3, o.Queues())
}

func TestParse(t *testing.T) {
	o, err := Parse("target=devices; lookahead=3;tile_release=internal;inner_blocking=1_024;num_queues=4")
	require.NoError(t, err)
	assert.Equal(t, TargetDevices, o.Target)
	assert.Equal(t, 3, o.Lookahead)
	assert.Equal(t, TileReleaseInternal, o.TileRelease)
	assert.Equal(t, 1024, o.InnerBlocking)
	assert.Equal(t, 4, o.Queues())

	// Round trip through String.
	o2, err := Parse(o.String())
	require.NoError(t, err)
	assert.Equal(t, o, o2)

	// Case is ignored for enums.
	o, err = Parse("target=HOST_BATCH")
	require.NoError(t, err)
	assert.Equal(t, TargetHostBatch, o.Target)

	for _, settings := range []string{
		"target=gpu",
		"tile_release=some",
		"lookahead=-1",
		"lookahead=x",
		"inner_blocking=0",
		"num_queues=1",
		"unknown=1",
		"lookahead",
		"file:/does/not/exist",
	} {
		_, err := Parse(settings)
		assert.Error(t, err, "settings %q should fail", settings)
	}

	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Comment\ntarget=host_nest\n\nlookahead=0;max_parallelism=3\n"), 0o644))
	o, err = Parse("lookahead=5;file:" + path)
	require.NoError(t, err)
	assert.Equal(t, TargetHostNest, o.Target)
	assert.Equal(t, 0, o.Lookahead)
	assert.Equal(t, 3, o.MaxParallelism)
}

func TestLookaheadQueue(t *testing.T) {
	o := Default()
	o.Lookahead = 3
	assert.Equal(t, 5, o.Queues())
	assert.Equal(t, 2, o.LookaheadQueue(1))
	assert.Equal(t, 4, o.LookaheadQueue(3))

	o.NumQueues = 3
	assert.Equal(t, 2, o.LookaheadQueue(1))
	assert.Equal(t, 2, o.LookaheadQueue(3))

	o.NumQueues = 2
	assert.Equal(t, 1, o.LookaheadQueue(2))
}

func TestLoadYAML(t *testing.T) {
	o, err := LoadYAML(strings.NewReader("target: devices\nlookahead: 2\ntile_release: none\n"))
	require.NoError(t, err)
	assert.Equal(t, TargetDevices, o.Target)
	assert.Equal(t, 2, o.Lookahead)
	assert.Equal(t, TileReleaseNone, o.TileRelease)
	assert.Equal(t, Default().InnerBlocking, o.InnerBlocking)

	o, err = LoadYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), o)

	_, err = LoadYAML(strings.NewReader("target: tpu\n"))
	assert.Error(t, err)
	_, err = LoadYAML(strings.NewReader("lookahed: 2\n"))
	assert.Error(t, err)
	_, err = LoadYAML(strings.NewReader("lookahead: -2\n"))
	assert.Error(t, err)
}

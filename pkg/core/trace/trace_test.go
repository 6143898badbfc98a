// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	var nilRecorder *Recorder
	nilRecorder.Record(0, "ignored", time.Now(), time.Now())

	r := NewRecorder()
	t0 := time.Now()
	ms := func(n int) time.Time { return t0.Add(time.Duration(n) * time.Millisecond) }
	r.Record(1, "panel(0)", ms(0), ms(2))
	r.Record(0, "panel(0)", ms(0), ms(3))
	r.Record(0, "trailing(0)", ms(1), ms(9))
	r.Record(0, "lookahead(0,1)", ms(3), ms(4))
	require.Equal(t, 4, r.Len())

	events := r.Events()
	assert.Equal(t, 0, events[0].Rank)
	assert.Equal(t, "panel", events[0].Class())
	assert.Equal(t, 1, events[3].Rank)

	summary := r.Summary()
	require.Len(t, summary, 3)
	assert.Equal(t, "trailing", summary[0].Class)
	assert.Equal(t, "panel", summary[1].Class)
	assert.Equal(t, 2, summary[1].Count)

	assigned, numLanes := lanes(events[:3])
	assert.Equal(t, []int{0, 1, 0}, assigned)
	assert.Equal(t, 2, numLanes)

	path := filepath.Join(t.TempDir(), "trace.png")
	require.NoError(t, r.Save(path, "test"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, NewRecorder().Save(path, "empty"))
}

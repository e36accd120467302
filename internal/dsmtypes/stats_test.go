package dsmtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshotAndReset(t *testing.T) {
	var s Stats
	s.PageFaults.Add(3)
	s.ReadFaults.Add(2)
	s.WriteFaults.Add(1)
	s.PagesFetched.Add(5)
	s.LockAcquires.Add(4)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.PageFaults)
	assert.Equal(t, int64(2), snap.ReadFaults)
	assert.Equal(t, int64(1), snap.WriteFaults)
	assert.Equal(t, int64(5), snap.PagesFetched)
	assert.Equal(t, int64(4), snap.LockAcquires)

	s.Reset()
	assert.Equal(t, Snapshot{}, s.Snapshot())
}

func TestErrorKindOk(t *testing.T) {
	assert.True(t, Success.Ok())
	assert.False(t, ErrTimeout.Ok())
}

func TestErrorKindIsTransient(t *testing.T) {
	assert.True(t, ErrTimeout.IsTransient())
	assert.True(t, ErrNetwork.IsTransient())
	assert.True(t, ErrInvalid.IsTransient())
	assert.True(t, ErrBusy.IsTransient())
	assert.False(t, ErrMemory.IsTransient())
	assert.False(t, ErrPermission.IsTransient())
}

func TestMakePageID(t *testing.T) {
	a := MakePageID(0, 0, 0)
	b := MakePageID(0, 0, 1)
	c := MakePageID(1, 0, 0)
	assert.Equal(t, PageID(0), a)
	assert.Equal(t, PageID(1), b)
	assert.Equal(t, PageID(nodeIDMultiplier), c)
	assert.NotEqual(t, a, c)
}

package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_SnapshotAndDeltas(t *testing.T) {
	tr := NewTracker()

	tr.Replace([]string{"u3", "u2", ""})
	assert.Equal(t, []string{"u2", "u3"}, tr.Online())
	assert.True(t, tr.IsOnline("u2"))
	assert.False(t, tr.IsOnline("u4"))

	tr.Set("u4", true)
	tr.Set("u2", false)
	assert.Equal(t, []string{"u3", "u4"}, tr.Online())
	assert.Equal(t, 2, tr.Len())

	// Removing an unknown identity is a no-op.
	tr.Set("nobody", false)
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_ReconnectSnapshotReplaces(t *testing.T) {
	tr := NewTracker()
	tr.Replace([]string{"u2", "u3"})

	// Disconnect clears, reconnect pushes a fresh snapshot.
	tr.Clear()
	assert.Empty(t, tr.Online())

	tr.Replace([]string{"u3"})
	assert.Equal(t, []string{"u3"}, tr.Online())
	assert.False(t, tr.IsOnline("u2"))
}

func TestTracker_SinceKeepsFirstSeen(t *testing.T) {
	tr := NewTracker()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return first }
	tr.Set("u2", true)

	tr.now = func() time.Time { return first.Add(time.Hour) }
	tr.Set("u2", true)

	since, ok := tr.Since("u2")
	assert.True(t, ok)
	assert.Equal(t, first, since)

	_, ok = tr.Since("u9")
	assert.False(t, ok)
}

package activity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfactory/factoryd/internal/core"
)

func newTestBroadcaster(t *testing.T, opts ...BroadcasterOption) (*Broadcaster, string) {
	t.Helper()
	root := t.TempDir()
	resolve := func(workspaceID string) (string, error) {
		return root, nil
	}
	b := NewBroadcaster(resolve, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, root
}

func TestAppendAssignsIdentityAndPersists(t *testing.T) {
	b, root := newTestBroadcaster(t)

	entry, err := b.Append("ws-1", core.NewChatMessage("DEMO-1", core.RoleUser, "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	data, err := os.ReadFile(LogPath(root))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"hello"`)
	assert.Contains(t, string(data), entry.ID)
}

func TestSubscribeDeliversInAppendOrder(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	sub, err := b.Subscribe("ws-1")
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		_, err := b.Append("ws-1", core.NewChatMessage("", core.RoleAgent, msg))
		require.NoError(t, err)
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-sub.C:
			assert.Equal(t, want, got.Content)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for entry")
		}
	}
}

func TestSubscriberIsolationAcrossWorkspaces(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	b := NewBroadcaster(func(id string) (string, error) {
		if id == "ws-a" {
			return rootA, nil
		}
		return rootB, nil
	})
	defer b.Close()

	subA, err := b.Subscribe("ws-a")
	require.NoError(t, err)

	_, err = b.Append("ws-b", core.NewChatMessage("", core.RoleUser, "other workspace"))
	require.NoError(t, err)

	select {
	case entry := <-subA.C:
		t.Fatalf("unexpected delivery: %+v", entry)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b, _ := newTestBroadcaster(t, WithSubscriberBuffer(2))

	slow, err := b.Subscribe("ws-1")
	require.NoError(t, err)
	healthy, err := b.Subscribe("ws-1")
	require.NoError(t, err)

	// Never read from slow: the third append overflows its buffer. Healthy
	// is drained as we go, so it stays attached and sees the drop marker.
	var sawMarker bool
	for i := 0; i < 3; i++ {
		_, err := b.Append("ws-1", core.NewChatMessage("", core.RoleAgent, "flood"))
		require.NoError(t, err)
	drain:
		for {
			select {
			case entry := <-healthy.C:
				if entry.Event == core.EventDropped {
					sawMarker = true
				}
			case <-time.After(20 * time.Millisecond):
				break drain
			}
		}
	}
	assert.True(t, sawMarker)

	// The dropped subscriber's channel is closed after its buffered entries.
	drained := 0
	for range slow.C {
		drained++
	}
	assert.Equal(t, 2, drained)
}

func TestReplayReturnsRecentEntries(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	for _, msg := range []string{"a", "b", "c", "d"} {
		_, err := b.Append("ws-1", core.NewChatMessage("", core.RoleUser, msg))
		require.NoError(t, err)
	}

	entries, err := b.Replay("ws-1", 2, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Content)
	assert.Equal(t, "d", entries[1].Content)
}

func TestReplaySinceFilters(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	first, err := b.Append("ws-1", core.NewChatMessage("", core.RoleUser, "old"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = b.Append("ws-1", core.NewChatMessage("", core.RoleUser, "new"))
	require.NoError(t, err)

	entries, err := b.Replay("ws-1", 0, first.Timestamp)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Content)
}

func TestReplaySkipsTornTailLine(t *testing.T) {
	b, root := newTestBroadcaster(t)

	_, err := b.Append("ws-1", core.NewChatMessage("", core.RoleUser, "intact"))
	require.NoError(t, err)
	require.NoError(t, b.Flush("ws-1"))

	f, err := os.OpenFile(LogPath(root), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"truncated`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := b.Replay("ws-1", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "intact", entries[0].Content)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	sub, err := b.Subscribe("ws-1")
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, err = b.Append("ws-1", core.NewChatMessage("", core.RoleUser, "after"))
	require.NoError(t, err)

	_, open := <-sub.C
	assert.False(t, open)
}

func TestClosedBroadcasterRejectsAppend(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	require.NoError(t, b.Close())

	_, err := b.Append("ws-1", core.NewChatMessage("", core.RoleUser, "late"))
	assert.ErrorIs(t, err, ErrBroadcasterClosed)
}

func TestLogPathLayout(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/tmp/root", "factory", "activity.jsonl"),
		LogPath("/tmp/root"))
}

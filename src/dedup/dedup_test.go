package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonlabs/roomsync/src/types"
)

func newTestDedup(t *testing.T, window time.Duration) *Deduplicator {
	t.Helper()
	d := New(window, 1000, zerolog.Nop())
	t.Cleanup(d.Destroy)
	return d
}

func msgWithMeta(event, id, sourceID string) types.Message {
	return types.Message{
		Event: event,
		Data: map[string]any{
			types.MetaKey: map[string]any{
				"id":        id,
				"sourceId":  sourceID,
				"timestamp": float64(time.Now().UnixMilli()),
			},
		},
	}
}

func TestCreateEventMetadataStampsEnvelope(t *testing.T) {
	d := newTestDedup(t, 100*time.Millisecond)

	out := d.CreateEventMetadata("task_updated", map[string]any{"title": "x"})
	meta, ok := out[types.MetaKey].(map[string]any)
	require.True(t, ok, "expected _meta on stamped payload")

	assert.Equal(t, d.ClientID(), meta["sourceId"])
	assert.Equal(t, "task_updated", meta["type"])
	assert.NotEmpty(t, meta["id"])
	assert.Equal(t, "x", out["title"])

	// The id is recorded as our own emission.
	assert.True(t, d.IsOwnEvent(meta["id"].(string)))
}

func TestEchoSuppressed(t *testing.T) {
	d := newTestDedup(t, 100*time.Millisecond)

	msg := msgWithMeta("task_updated", "e1", d.ClientID())
	assert.False(t, d.ShouldProcess(msg), "own emission must be filtered")

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Echoes)
}

func TestForeignEventDeliveredOnceWithinWindow(t *testing.T) {
	d := newTestDedup(t, time.Hour)

	msg := msgWithMeta("task_created", "e1", "other-client")
	assert.True(t, d.ShouldProcess(msg))
	assert.False(t, d.ShouldProcess(msg), "repeat within window must be dropped")
	assert.True(t, d.IsDuplicate("e1"))
}

func TestDuplicateAllowedAfterWindowExpires(t *testing.T) {
	d := newTestDedup(t, 20*time.Millisecond)

	msg := msgWithMeta("task_created", "e1", "other-client")
	require.True(t, d.ShouldProcess(msg))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, d.IsDuplicate("e1"))
	assert.True(t, d.ShouldProcess(msg), "expired id may be processed again")
}

func TestFailOpenWithoutMetadata(t *testing.T) {
	d := newTestDedup(t, 100*time.Millisecond)

	msg := types.Message{Event: "server_notice", Data: map[string]any{"text": "hi"}}
	assert.True(t, d.ShouldProcess(msg))
	assert.True(t, d.ShouldProcess(msg), "untagged events are never deduplicated")

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Untagged)
}

func TestLegacyTopLevelMetadata(t *testing.T) {
	d := newTestDedup(t, time.Hour)

	msg := types.Message{
		Event: "task_created",
		Data: map[string]any{
			"id":        "legacy-1",
			"sourceId":  d.ClientID(),
			"timestamp": float64(time.Now().UnixMilli()),
		},
	}
	assert.False(t, d.ShouldProcess(msg), "legacy-form echo must be filtered")
}

func TestEagerSweepBoundsMemory(t *testing.T) {
	d := New(10*time.Millisecond, 50, zerolog.Nop())
	t.Cleanup(d.Destroy)

	for i := 0; i < 60; i++ {
		msg := msgWithMeta("burst", fmt.Sprintf("burst-%d", i), "other-client")
		d.ShouldProcess(msg)
		if i == 30 {
			// Let the early half fall out of the window.
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.LessOrEqual(t, d.Stats().Tracked, 50+1, "eager sweep should keep the set bounded")
}

func TestOutboundBurstTriggersEagerSweep(t *testing.T) {
	d := New(10*time.Millisecond, 50, zerolog.Nop())
	t.Cleanup(d.Destroy)

	for i := 0; i < 60; i++ {
		d.CreateEventMetadata("burst", nil)
		if i == 30 {
			// Let the early half fall out of the window.
			time.Sleep(20 * time.Millisecond)
		}
	}
	assert.LessOrEqual(t, d.Stats().Tracked, 50+1, "outbound ids are bounded like inbound ones")
}

func TestIsEcho(t *testing.T) {
	d := newTestDedup(t, 100*time.Millisecond)
	assert.True(t, d.IsEcho(d.ClientID()))
	assert.False(t, d.IsEcho("someone-else"))
}

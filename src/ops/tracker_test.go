package ops

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, timeout, maxAge time.Duration) *Tracker {
	t.Helper()
	tr := New(timeout, maxAge, zerolog.Nop())
	t.Cleanup(tr.Destroy)
	return tr
}

func TestCompleteOperation(t *testing.T) {
	tr := newTestTracker(t, time.Second, time.Minute)

	id := tr.CreateOperation("task_create", map[string]any{"title": "x"})
	res := tr.CompleteOperation(id, map[string]any{"task_id": "42"})

	require.True(t, res.Success)
	assert.Equal(t, id, res.OperationID)
	assert.Equal(t, "42", res.Data["task_id"])
}

func TestFailOperation(t *testing.T) {
	tr := newTestTracker(t, time.Second, time.Minute)

	id := tr.CreateOperation("task_delete", nil)
	res := tr.FailOperation(id, errors.New("rejected"))

	assert.False(t, res.Success)
	assert.EqualError(t, res.Err, "rejected")
}

func TestUnknownIDReturnsFailureResult(t *testing.T) {
	tr := newTestTracker(t, time.Second, time.Minute)

	res := tr.CompleteOperation("nope", nil)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)

	res = tr.FailOperation("nope", errors.New("x"))
	assert.False(t, res.Success)
}

func TestResolveIsIdempotent(t *testing.T) {
	tr := newTestTracker(t, time.Second, time.Minute)

	id := tr.CreateOperation("task_update", nil)
	require.True(t, tr.CompleteOperation(id, nil).Success)

	// A second resolution does not flip the outcome.
	assert.False(t, tr.FailOperation(id, errors.New("late")).Success)
	assert.True(t, tr.ShouldSuppress(id))
}

func TestSuppressionMatrix(t *testing.T) {
	tr := newTestTracker(t, time.Minute, time.Hour)

	pending := tr.CreateOperation("a", nil)
	completed := tr.CreateOperation("b", nil)
	failed := tr.CreateOperation("c", nil)
	tr.CompleteOperation(completed, nil)
	tr.FailOperation(failed, errors.New("x"))

	assert.True(t, tr.ShouldSuppress(pending), "pending suppresses")
	assert.True(t, tr.ShouldSuppress(completed), "completed suppresses")
	assert.False(t, tr.ShouldSuppress(failed), "failed must not suppress")
	assert.False(t, tr.ShouldSuppress("unknown"))
}

func TestAutoFailAfterTimeout(t *testing.T) {
	tr := newTestTracker(t, 30*time.Millisecond, time.Minute)

	id := tr.CreateOperation("task_create", nil)
	require.True(t, tr.ShouldSuppress(id))

	time.Sleep(60 * time.Millisecond)

	assert.False(t, tr.ShouldSuppress(id), "timed-out operation must stop suppressing")
	res := tr.CompleteOperation(id, nil)
	assert.False(t, res.Success, "resolving after auto-fail has no effect")
}

func TestAutoFailKeepsEntryUntilEviction(t *testing.T) {
	tr := newTestTracker(t, 20*time.Millisecond, time.Minute)

	id := tr.CreateOperation("task_reorder", nil)
	time.Sleep(50 * time.Millisecond)

	// The failed entry is still present until age-based eviction, but no
	// longer counts as pending or suppressing.
	assert.Equal(t, 1, tr.Count())
	assert.Empty(t, tr.PendingOperations(""))
	assert.False(t, tr.ShouldSuppress(id))
}

func TestPendingOperationsFilter(t *testing.T) {
	tr := newTestTracker(t, time.Minute, time.Hour)

	tr.CreateOperation("create", nil)
	tr.CreateOperation("create", nil)
	done := tr.CreateOperation("delete", nil)
	tr.CompleteOperation(done, nil)

	assert.Len(t, tr.PendingOperations(""), 2)
	assert.Len(t, tr.PendingOperations("create"), 2)
	assert.Empty(t, tr.PendingOperations("delete"))
}

func TestClearCompleted(t *testing.T) {
	tr := newTestTracker(t, time.Minute, time.Hour)

	id := tr.CreateOperation("create", nil)
	tr.CompleteOperation(id, nil)
	other := tr.CreateOperation("update", nil)

	tr.ClearCompleted()
	assert.Equal(t, 1, tr.Count())
	assert.True(t, tr.ShouldSuppress(other))
}

func TestEvictionRegardlessOfStatus(t *testing.T) {
	tr := newTestTracker(t, time.Minute, 40*time.Millisecond)

	tr.CreateOperation("old", nil)
	require.Equal(t, 1, tr.Count())

	time.Sleep(80 * time.Millisecond)
	tr.evictStale()
	assert.Zero(t, tr.Count(), "operations older than max age are evicted")
}

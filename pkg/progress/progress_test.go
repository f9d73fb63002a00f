package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	return NewTracker(zap.NewNop(), 100)
}

// S5 — Bulk operation auto-completion: 3 children, 2 complete and 1 fails,
// parent reaches COMPLETED "with warnings" at progress 100.
func TestS5_BulkOperationAutoCompletesWithWarnings(t *testing.T) {
	tr := newTestTracker()
	bulkID := tr.StartBulkOperation("library_scan", "Scan library", "user-1", "session-1")

	c1, err := tr.AddChildOperation(bulkID, "scan_item", "item 1")
	require.NoError(t, err)
	c2, err := tr.AddChildOperation(bulkID, "scan_item", "item 2")
	require.NoError(t, err)
	c3, err := tr.AddChildOperation(bulkID, "scan_item", "item 3")
	require.NoError(t, err)

	require.NoError(t, tr.CompleteOperation(c1, "done"))
	require.NoError(t, tr.CompleteOperation(c2, "done"))
	require.NoError(t, tr.FailOperation(c3, "boom"))

	bulk := tr.GetOperation(bulkID)
	assert.Equal(t, StatusCompleted, bulk.Status)
	assert.Equal(t, float64(100), bulk.Progress)
	assert.Equal(t, 2, bulk.SuccessfulItems)
	assert.Equal(t, 1, bulk.FailedItems)
	assert.Equal(t, 3, bulk.ProcessedItems)
}

// Invariant 6: parent.progress is the mean of its children's progress, and
// processed_items is the count of terminal (completed+failed) children.
func TestInvariant6_BulkProgressIsMeanOfChildren(t *testing.T) {
	tr := newTestTracker()
	bulkID := tr.StartBulkOperation("library_scan", "Scan library", "", "")

	c1, _ := tr.AddChildOperation(bulkID, "scan_item", "item 1")
	c2, _ := tr.AddChildOperation(bulkID, "scan_item", "item 2")

	half := 50.0
	require.NoError(t, tr.UpdateProgress(c1, UpdateOptions{Progress: &half}))
	require.NoError(t, tr.UpdateBulkProgress(bulkID))

	bulk := tr.GetOperation(bulkID)
	assert.InDelta(t, 25.0, bulk.Progress, 0.001) // (50 + 0) / 2
	assert.Equal(t, 0, bulk.ProcessedItems)       // neither child terminal yet

	require.NoError(t, tr.CompleteOperation(c1, "done"))
	require.NoError(t, tr.CompleteOperation(c2, "done"))

	bulk = tr.GetOperation(bulkID)
	assert.Equal(t, StatusCompleted, bulk.Status)
	assert.Equal(t, 2, bulk.ProcessedItems)
}

// Invariant 7: cancelling an operation cancels every non-terminal
// descendant, but leaves already-terminal descendants alone.
func TestInvariant7_CancelPropagatesToDescendants(t *testing.T) {
	tr := newTestTracker()
	rootID := tr.StartOperation("download", "root", true, "", "")
	childID, err := tr.AddChildOperation(rootID, "download_chapter", "chapter 1")
	require.NoError(t, err)
	grandchildID, err := tr.AddChildOperation(childID, "download_page", "page 1")
	require.NoError(t, err)
	finishedChildID, err := tr.AddChildOperation(rootID, "download_chapter", "chapter 2")
	require.NoError(t, err)
	require.NoError(t, tr.CompleteOperation(finishedChildID, "already done"))

	require.NoError(t, tr.CancelOperation(rootID))

	assert.Equal(t, StatusCancelled, tr.GetOperation(rootID).Status)
	assert.Equal(t, StatusCancelled, tr.GetOperation(childID).Status)
	assert.Equal(t, StatusCancelled, tr.GetOperation(grandchildID).Status)
	assert.Equal(t, StatusCompleted, tr.GetOperation(finishedChildID).Status, "already-terminal descendant must not be overwritten")
}

func TestCancelOperation_RejectsNonCancellable(t *testing.T) {
	tr := newTestTracker()
	id := tr.StartOperation("download", "root", false, "", "")
	err := tr.CancelOperation(id)
	require.Error(t, err)
	assert.Equal(t, StatusRunning, tr.GetOperation(id).Status)
}

// Invariant 11: JSON round-trip of an Operation and an Event preserves
// status, id, and timestamps.
func TestInvariant11_JSONRoundTrip(t *testing.T) {
	tr := newTestTracker()
	id := tr.StartOperation("download", "root", true, "user-1", "session-1")
	require.NoError(t, tr.CompleteOperation(id, "done"))
	op := tr.GetOperation(id)

	raw, err := json.Marshal(op)
	require.NoError(t, err)
	var decoded Operation
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, op.ID, decoded.ID)
	assert.Equal(t, op.Status, decoded.Status)
	assert.Equal(t, op.UserID, decoded.UserID)
	assert.WithinDuration(t, op.StartedAt, decoded.StartedAt, 0)
	require.NotNil(t, decoded.CompletedAt)
	assert.WithinDuration(t, *op.CompletedAt, *decoded.CompletedAt, 0)

	ev := &Event{
		ID:                 "evt-1",
		OperationID:        id,
		EventType:          EventCompleted,
		ProgressPercentage: 100,
		Timestamp:          op.StartedAt,
	}
	rawEv, err := json.Marshal(ev)
	require.NoError(t, err)
	var decodedEv Event
	require.NoError(t, json.Unmarshal(rawEv, &decodedEv))
	assert.Equal(t, ev.OperationID, decodedEv.OperationID)
	assert.Equal(t, ev.EventType, decodedEv.EventType)
}

func TestAddWarning(t *testing.T) {
	tr := newTestTracker()
	id := tr.StartOperation("download", "root", true, "", "")
	require.NoError(t, tr.AddWarning(id, "slow connection"))
	op := tr.GetOperation(id)
	assert.Equal(t, []string{"slow connection"}, op.Warnings)
	assert.NotEqual(t, StatusCompleted, op.Status)
}

// Package progress implements the ProgressTracker (C6): a central store of
// hierarchical Operation nodes with start/update/complete/fail/cancel,
// bulk-operation auto-completion, and best-effort multi-sink event
// emission (persistence, websocket, in-process handlers).
package progress

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
)

// Status is an Operation's lifecycle status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventType identifies what kind of change a ProgressEvent reports.
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventCancelled EventType = "CANCELLED"
	EventWarning   EventType = "WARNING"
)

// Operation is one node in the progress tree. Children are referenced by
// ID, never by pointer, so the tree can be freely persisted/broadcast.
type Operation struct {
	ID                  string
	Type                string
	Title               string
	Status              Status
	Progress            float64 // 0-100
	ProcessedItems      int
	SuccessfulItems     int
	FailedItems         int
	TotalItems          *int
	StartedAt           time.Time
	CompletedAt         *time.Time
	EstimatedCompletion *time.Time
	ParentID            string
	ChildIDs            []string
	UserID              string
	SessionID           string
	Cancellable         bool
	Warnings            []string
	IsBulkOperation     bool
	Metadata            map[string]interface{}
	CurrentStep         string
}

// Event is one emitted progress change, matching §6's WebSocket payload
// shape.
type Event struct {
	ID                 string
	OperationID        string
	OperationType      string
	EventType          EventType
	ProgressPercentage float64
	CurrentStep        string
	Message            string
	Metadata           map[string]interface{}
	Timestamp          time.Time
	UserID             string
	SessionID          string
	// Patch is a JSON merge patch (RFC 7396) from the operation's previous
	// persisted snapshot to its current one, for the optional persistence
	// hook's audit trail. Nil on the first event for an operation.
	Patch []byte
}

// Persistence is the optional output dependency (§6). Tracker tolerates its
// absence or failure without blocking broadcast.
type Persistence interface {
	SaveOperation(op *Operation) error
	SaveEvent(ev *Event) error
}

// Broadcaster delivers events to subscribed WebSocket connections.
type Broadcaster interface {
	BroadcastEvent(ev *Event)
}

// Tracker is the central Operation store.
type Tracker struct {
	logger      *zap.Logger
	persistence Persistence
	broadcaster Broadcaster

	maxCompleted int

	mu         sync.Mutex
	ops        map[string]*Operation
	handlers   []func(*Event)
	wsHandlers []func(map[string]interface{})
	snapshots  map[string][]byte // last persisted JSON snapshot per operation ID
}

// NewTracker creates a Tracker. maxCompleted bounds how many terminal
// operations the janitor retains (default 100, per §4.6).
func NewTracker(logger *zap.Logger, maxCompleted int) *Tracker {
	if maxCompleted <= 0 {
		maxCompleted = 100
	}
	return &Tracker{
		logger:       logger,
		maxCompleted: maxCompleted,
		ops:          make(map[string]*Operation),
		snapshots:    make(map[string][]byte),
	}
}

// SetPersistence binds the optional persistence sink.
func (t *Tracker) SetPersistence(p Persistence) { t.persistence = p }

// SetBroadcaster binds the WebSocket broadcast sink.
func (t *Tracker) SetBroadcaster(b Broadcaster) { t.broadcaster = b }

// AddEventHandler registers an in-process handler invoked on every emit.
func (t *Tracker) AddEventHandler(h func(*Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// StartOperation creates a RUNNING Operation and emits STARTED.
func (t *Tracker) StartOperation(opType, title string, cancellable bool, userID, sessionID string) string {
	id := uuid.NewString()
	op := &Operation{
		ID:          id,
		Type:        opType,
		Title:       title,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
		Cancellable: cancellable,
		UserID:      userID,
		SessionID:   sessionID,
		Metadata:    make(map[string]interface{}),
	}

	t.mu.Lock()
	t.ops[id] = op
	t.mu.Unlock()

	t.emit(op, EventStarted, "", "started")
	return id
}

// StartBulkOperation is StartOperation plus the is_bulk_operation marker.
func (t *Tracker) StartBulkOperation(opType, title, userID, sessionID string) string {
	id := t.StartOperation(opType, title, true, userID, sessionID)
	t.mu.Lock()
	if op, ok := t.ops[id]; ok {
		op.IsBulkOperation = true
		op.Metadata["is_bulk_operation"] = true
	}
	t.mu.Unlock()
	return id
}

// AddChildOperation creates a new operation as a child of parentID.
func (t *Tracker) AddChildOperation(parentID, opType, title string) (string, error) {
	t.mu.Lock()
	parent, ok := t.ops[parentID]
	t.mu.Unlock()
	if !ok {
		return "", coreerrors.New(coreerrors.KindNotFound, "progress.AddChildOperation", "", "parent operation not found")
	}

	childID := t.StartOperation(opType, title, true, parent.UserID, parent.SessionID)

	t.mu.Lock()
	parent.ChildIDs = append(parent.ChildIDs, childID)
	if child, ok := t.ops[childID]; ok {
		child.ParentID = parentID
	}
	t.mu.Unlock()

	return childID, nil
}

// UpdateOptions carries the optional fields UpdateProgress may set.
type UpdateOptions struct {
	Progress   *float64
	Step       string
	Processed  *int
	Successful *int
	Failed     *int
	Metadata   map[string]interface{}
}

// UpdateProgress applies opts to op, recomputing progress from
// processed/total when total is set, and the ETA when progress > 0.
func (t *Tracker) UpdateProgress(opID string, opts UpdateOptions) error {
	t.mu.Lock()
	op, ok := t.ops[opID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.UpdateProgress", "", "operation not found")
	}

	if opts.Processed != nil {
		op.ProcessedItems = *opts.Processed
	}
	if opts.Successful != nil {
		op.SuccessfulItems = *opts.Successful
	}
	if opts.Failed != nil {
		op.FailedItems = *opts.Failed
	}
	if opts.Step != "" {
		op.CurrentStep = opts.Step
	}
	for k, v := range opts.Metadata {
		op.Metadata[k] = v
	}

	if op.TotalItems != nil && *op.TotalItems > 0 {
		op.Progress = float64(op.ProcessedItems) / float64(*op.TotalItems) * 100
	} else if opts.Progress != nil {
		op.Progress = *opts.Progress
	}

	if op.Progress > 0 {
		elapsed := time.Since(op.StartedAt)
		eta := time.Now().Add(time.Duration(float64(elapsed) * (100/op.Progress - 1)))
		op.EstimatedCompletion = &eta
	}

	step := op.CurrentStep
	t.mu.Unlock()

	t.emit(op, EventProgress, step, "progress update")
	return nil
}

// CompleteOperation transitions op to COMPLETED with progress 100.
func (t *Tracker) CompleteOperation(opID, message string) error {
	t.mu.Lock()
	op, ok := t.ops[opID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.CompleteOperation", "", "operation not found")
	}
	now := time.Now()
	op.Status = StatusCompleted
	op.Progress = 100
	op.CompletedAt = &now
	t.mu.Unlock()

	t.emit(op, EventCompleted, "", message)
	t.bubbleToParent(op)
	return nil
}

// FailOperation transitions op to FAILED.
func (t *Tracker) FailOperation(opID, errMessage string) error {
	t.mu.Lock()
	op, ok := t.ops[opID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.FailOperation", "", "operation not found")
	}
	now := time.Now()
	op.Status = StatusFailed
	op.CompletedAt = &now
	t.mu.Unlock()

	t.emit(op, EventFailed, "", errMessage)
	t.bubbleToParent(op)
	return nil
}

// CancelOperation requires op.Cancellable and recursively cancels every
// non-terminal descendant.
func (t *Tracker) CancelOperation(opID string) error {
	t.mu.Lock()
	op, ok := t.ops[opID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.CancelOperation", "", "operation not found")
	}
	if !op.Cancellable {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindInvalid, "progress.CancelOperation", "", "operation is not cancellable")
	}
	children := append([]string(nil), op.ChildIDs...)
	now := time.Now()
	op.Status = StatusCancelled
	op.CompletedAt = &now
	t.mu.Unlock()

	t.emit(op, EventCancelled, "", "cancelled")

	for _, childID := range children {
		t.mu.Lock()
		child, ok := t.ops[childID]
		t.mu.Unlock()
		if ok && !child.Status.Terminal() {
			_ = t.CancelOperation(childID)
		}
	}
	return nil
}

// AddWarning appends a warning message to op without changing its status.
func (t *Tracker) AddWarning(opID, message string) error {
	t.mu.Lock()
	op, ok := t.ops[opID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.AddWarning", "", "operation not found")
	}
	op.Warnings = append(op.Warnings, message)
	t.mu.Unlock()

	t.emit(op, EventWarning, "", message)
	return nil
}

// GetOperation returns the operation by ID, or nil.
func (t *Tracker) GetOperation(opID string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops[opID]
}

// UpdateBulkProgress recomputes a bulk operation's progress as the mean of
// its children's progress, updates processed/successful/failed_items, and
// auto-completes/fails/warns once every child is terminal (§4.6).
func (t *Tracker) UpdateBulkProgress(bulkID string) error {
	t.mu.Lock()
	bulk, ok := t.ops[bulkID]
	if !ok {
		t.mu.Unlock()
		return coreerrors.New(coreerrors.KindNotFound, "progress.UpdateBulkProgress", "", "operation not found")
	}
	childIDs := append([]string(nil), bulk.ChildIDs...)
	t.mu.Unlock()

	if len(childIDs) == 0 {
		return nil
	}

	var totalProgress float64
	completed, failed := 0, 0
	for _, childID := range childIDs {
		t.mu.Lock()
		child := t.ops[childID]
		t.mu.Unlock()
		if child == nil {
			continue
		}
		switch child.Status {
		case StatusCompleted:
			completed++
			totalProgress += 100
		case StatusFailed:
			failed++
		default:
			totalProgress += child.Progress
		}
	}

	total := len(childIDs)
	overall := totalProgress / float64(total)
	processed := completed + failed

	progress := overall
	err := t.UpdateProgress(bulkID, UpdateOptions{
		Progress:   &progress,
		Step:       bulkStep(processed, total),
		Processed:  &processed,
		Successful: &completed,
		Failed:     &failed,
		Metadata: map[string]interface{}{
			"completed_children": completed,
			"failed_children":    failed,
			"total_children":     total,
		},
	})
	if err != nil {
		return err
	}

	if processed >= total {
		switch {
		case failed == 0:
			return t.CompleteOperation(bulkID, bulkCompletedMessage(completed, total))
		case completed == 0:
			return t.FailOperation(bulkID, bulkFailedMessage(failed, total))
		default:
			return t.CompleteOperation(bulkID, bulkWarningMessage(completed, failed))
		}
	}
	return nil
}

func (t *Tracker) bubbleToParent(op *Operation) {
	if op.ParentID == "" {
		return
	}
	t.mu.Lock()
	parent, ok := t.ops[op.ParentID]
	t.mu.Unlock()
	if ok && parent.IsBulkOperation {
		_ = t.UpdateBulkProgress(op.ParentID)
	}
}

// diffSnapshot computes a JSON merge patch from op's last persisted
// snapshot to its current state, for the audit trail, and records the new
// snapshot. Returns nil on the first call for an operation or on any
// marshal/diff failure (the audit trail is best-effort, never fatal).
func (t *Tracker) diffSnapshot(op *Operation) []byte {
	cur, err := json.Marshal(op)
	if err != nil {
		return nil
	}

	t.mu.Lock()
	prev, had := t.snapshots[op.ID]
	t.snapshots[op.ID] = cur
	t.mu.Unlock()

	if !had {
		return nil
	}
	patch, err := jsonpatch.CreateMergePatch(prev, cur)
	if err != nil {
		t.logger.Debug("progress snapshot diff failed", zap.Error(err))
		return nil
	}
	return patch
}

func (t *Tracker) emit(op *Operation, eventType EventType, step, message string) {
	t.mu.Lock()
	handlers := append([]func(*Event){}, t.handlers...)
	t.mu.Unlock()

	ev := &Event{
		ID:                 uuid.NewString(),
		OperationID:        op.ID,
		OperationType:      op.Type,
		EventType:          eventType,
		ProgressPercentage: op.Progress,
		CurrentStep:        step,
		Message:            message,
		Metadata:           op.Metadata,
		Timestamp:          time.Now(),
		UserID:             op.UserID,
		SessionID:          op.SessionID,
	}

	if t.persistence != nil {
		ev.Patch = t.diffSnapshot(op)
		if err := t.persistence.SaveOperation(op); err != nil {
			t.logger.Warn("persistence save_operation failed", zap.Error(err))
		}
		if err := t.persistence.SaveEvent(ev); err != nil {
			t.logger.Warn("persistence save_event failed", zap.Error(err))
		}
	}

	if t.broadcaster != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Warn("broadcast panicked", zap.Any("recover", r))
				}
			}()
			t.broadcaster.BroadcastEvent(ev)
		}()
	}

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Warn("event handler panicked", zap.Any("recover", r))
				}
			}()
			h(ev)
		}()
	}
}

// Janitor removes FINISHED operations beyond maxCompleted, oldest first.
// Intended to run on a ~1h ticker.
func (t *Tracker) Janitor() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var terminal []*Operation
	for _, op := range t.ops {
		if op.Status.Terminal() {
			terminal = append(terminal, op)
		}
	}
	if len(terminal) <= t.maxCompleted {
		return
	}

	for i := 1; i < len(terminal); i++ {
		for j := i; j > 0 && terminal[j].StartedAt.Before(terminal[j-1].StartedAt); j-- {
			terminal[j], terminal[j-1] = terminal[j-1], terminal[j]
		}
	}

	excess := len(terminal) - t.maxCompleted
	for i := 0; i < excess; i++ {
		delete(t.ops, terminal[i].ID)
		delete(t.snapshots, terminal[i].ID)
	}
}

func bulkStep(processed, total int) string {
	return "Processing " + strconv.Itoa(processed) + "/" + strconv.Itoa(total) + " items"
}

func bulkCompletedMessage(completed, total int) string {
	return "Bulk operation completed successfully: " + strconv.Itoa(completed) + "/" + strconv.Itoa(total) + " items"
}

func bulkFailedMessage(failed, total int) string {
	return "Bulk operation failed: " + strconv.Itoa(failed) + "/" + strconv.Itoa(total) + " items failed"
}

func bulkWarningMessage(completed, failed int) string {
	return "Bulk operation completed with warnings: " + strconv.Itoa(completed) + " succeeded, " + strconv.Itoa(failed) + " failed"
}

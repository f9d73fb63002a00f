// Package jobs implements the JobQueue (C8): per-priority deques, a 1Hz
// scheduler, per-type concurrency caps, dependency-aware scheduling,
// retry-to-front semantics, and pause/resume/cancel.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
)

// Priority orders jobs for dispatch; lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
	PriorityBulk     Priority = 5
)

var allPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk}

// Status is a Job's lifecycle status.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusPaused     Status = "PAUSED"
	StatusCancelled  Status = "CANCELLED"
	StatusRetrying   Status = "RETRYING"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type identifies the kind of work a Job performs.
type Type string

const (
	TypeDownloadChapter Type = "download_chapter"
	TypeDownloadManga   Type = "download_manga"
	TypeDownloadCover   Type = "download_cover"
	TypeDownloadPage    Type = "download_page"
	TypeBulkDownload    Type = "bulk_download"
	TypeHealthCheck     Type = "health_check"
	TypeProviderTest    Type = "provider_test"
	TypeOrganize        Type = "organize"
)

func isDownloadType(t Type) bool {
	switch t {
	case TypeDownloadChapter, TypeDownloadManga, TypeDownloadCover, TypeDownloadPage, TypeBulkDownload:
		return true
	default:
		return false
	}
}

func isHealthType(t Type) bool {
	return t == TypeHealthCheck || t == TypeProviderTest
}

// defaultTimeout returns the type-defaulted timeout, per §3.
func defaultTimeout(t Type) time.Duration {
	switch t {
	case TypeBulkDownload:
		return 30 * time.Minute
	case TypeDownloadChapter, TypeDownloadManga:
		return 10 * time.Minute
	case TypeDownloadCover, TypeDownloadPage:
		return 2 * time.Minute
	case TypeHealthCheck, TypeProviderTest:
		return 30 * time.Second
	case TypeOrganize:
		return 15 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Job is one unit of queued work.
type Job struct {
	ID         string
	Type       Type
	Priority   Priority
	Status     Status
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
	DependsOn  []string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
	StartedAt  *time.Time

	cancel context.CancelFunc
}

// IsTimedOut is advisory truth only; the worker harness is what actually
// enforces Timeout via context cancellation.
func (j *Job) IsTimedOut() bool {
	if j.StartedAt == nil {
		return false
	}
	return time.Since(*j.StartedAt) > j.Timeout
}

// Handler executes one job; ctx is cancelled on pause/cancel or Timeout.
type Handler func(ctx context.Context, job *Job) error

// Queue is the priority job queue and scheduler.
type Queue struct {
	logger   *zap.Logger
	handlers map[Type]Handler

	maxConcurrentDownloads    int
	maxConcurrentHealthChecks int

	mu       sync.Mutex
	deques   map[Priority][]*Job
	byID     map[string]*Job
	running  map[string]*Job // currently PROCESSING, by ID
	stop     chan struct{}
}

// New creates a Queue. maxConcurrentDownloads/maxConcurrentHealthChecks
// default to 3/2 when zero, per §4.8.
func New(logger *zap.Logger, maxConcurrentDownloads, maxConcurrentHealthChecks int) *Queue {
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = 3
	}
	if maxConcurrentHealthChecks <= 0 {
		maxConcurrentHealthChecks = 2
	}
	q := &Queue{
		logger:                    logger,
		handlers:                  make(map[Type]Handler),
		maxConcurrentDownloads:    maxConcurrentDownloads,
		maxConcurrentHealthChecks: maxConcurrentHealthChecks,
		deques:                    make(map[Priority][]*Job),
		byID:                      make(map[string]*Job),
		running:                   make(map[string]*Job),
		stop:                      make(chan struct{}),
	}
	for _, p := range allPriorities {
		q.deques[p] = nil
	}
	return q
}

// RegisterHandler binds a Handler for Type t, used by the dispatch loop.
func (q *Queue) RegisterHandler(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// AddJob enqueues a new job, defaulting Timeout/MaxRetries if unset.
func (q *Queue) AddJob(jobType Type, priority Priority, dependsOn []string, metadata map[string]interface{}) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   priority,
		Status:     StatusPending,
		MaxRetries: 3,
		Timeout:    defaultTimeout(jobType),
		DependsOn:  dependsOn,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]interface{})
	}

	q.mu.Lock()
	q.deques[priority] = append(q.deques[priority], job)
	q.byID[job.ID] = job
	q.mu.Unlock()

	return job
}

// GetJob returns a job by ID, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byID[id]
}

// PauseJob cancels an in-flight worker and marks the job PAUSED.
func (q *Queue) PauseJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return coreerrors.New(coreerrors.KindNotFound, "jobs.PauseJob", "", "job not found")
	}
	if job.cancel != nil {
		job.cancel()
	}
	job.Status = StatusPaused
	delete(q.running, id)
	return nil
}

// ResumeJob re-enqueues a PAUSED job at the head of its priority deque.
func (q *Queue) ResumeJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return coreerrors.New(coreerrors.KindNotFound, "jobs.ResumeJob", "", "job not found")
	}
	job.Status = StatusPending
	q.deques[job.Priority] = prepend(q.deques[job.Priority], job)
	return nil
}

// CancelJob cancels an in-flight worker (if running), removes the job from
// its queue, and marks it CANCELLED.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return coreerrors.New(coreerrors.KindNotFound, "jobs.CancelJob", "", "job not found")
	}
	if job.cancel != nil {
		job.cancel()
	}
	job.Status = StatusCancelled
	delete(q.running, id)
	q.deques[job.Priority] = removeJob(q.deques[job.Priority], job)
	return nil
}

func prepend(deque []*Job, job *Job) []*Job {
	return append([]*Job{job}, deque...)
}

func removeJob(deque []*Job, target *Job) []*Job {
	out := deque[:0]
	for _, j := range deque {
		if j != target {
			out = append(out, j)
		}
	}
	return out
}

// Run starts the 1Hz scheduler loop; it blocks until Stop is called.
func (q *Queue) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

// Stop ends the scheduler loop started by Run.
func (q *Queue) Stop() {
	close(q.stop)
}

// tick scans priorities ascending, dispatching every eligible head job.
func (q *Queue) tick() {
	for _, p := range allPriorities {
		q.tickPriority(p)
	}
}

func (q *Queue) tickPriority(p Priority) {
	for {
		job, handler, ok := q.popEligible(p)
		if !ok {
			return
		}
		q.dispatch(job, handler)
	}
}

// popEligible inspects (without necessarily removing) the deque for
// priority p and pops the first job that passes the defensive/type-cap/
// dependency checks. Ineligible-but-not-dropped jobs are left in place.
func (q *Queue) popEligible(p Priority) (*Job, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deque := q.deques[p]
	for i, job := range deque {
		if job.Status != StatusPending && job.Status != StatusRetrying {
			// defensive: drop jobs that somehow aren't dispatchable
			q.deques[p] = append(deque[:i:i], deque[i+1:]...)
			return nil, nil, false
		}

		if isDownloadType(job.Type) && q.countRunningLocked(isDownloadType) >= q.maxConcurrentDownloads {
			continue
		}
		if isHealthType(job.Type) && q.countRunningLocked(isHealthType) >= q.maxConcurrentHealthChecks {
			continue
		}
		if !q.dependenciesSatisfiedLocked(job) {
			continue
		}

		handler, hasHandler := q.handlers[job.Type]
		if !hasHandler {
			continue
		}

		q.deques[p] = append(deque[:i:i], deque[i+1:]...)
		job.Status = StatusProcessing
		now := time.Now()
		job.StartedAt = &now
		q.running[job.ID] = job
		return job, handler, true
	}
	return nil, nil, false
}

func (q *Queue) countRunningLocked(match func(Type) bool) int {
	n := 0
	for _, j := range q.running {
		if match(j.Type) {
			n++
		}
	}
	return n
}

func (q *Queue) dependenciesSatisfiedLocked(job *Job) bool {
	for _, depID := range job.DependsOn {
		dep, ok := q.byID[depID]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) dispatch(job *Job, handler Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	q.mu.Lock()
	job.cancel = cancel
	q.mu.Unlock()

	q.logger.Debug("dispatching job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))

	go func() {
		defer cancel()
		err := handler(ctx, job)
		q.finish(job, err)
	}()
}

func (q *Queue) finish(job *Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, job.ID)

	if job.Status == StatusCancelled || job.Status == StatusPaused {
		return
	}

	if err == nil {
		job.Status = StatusCompleted
		return
	}

	if coreerrors.IsKind(err, coreerrors.KindCancelled) {
		job.Status = StatusCancelled
		return
	}

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = StatusRetrying
		q.deques[job.Priority] = prepend(q.deques[job.Priority], job)
		q.logger.Warn("job failed, retrying", zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount), zap.Error(err))
		return
	}

	job.Status = StatusFailed
	q.logger.Error("job failed permanently", zap.String("job_id", job.ID), zap.Error(err))
}

// Janitor removes terminal jobs older than 24h from all indices. Intended
// to run on an hourly ticker.
func (q *Queue) Janitor() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	for id, job := range q.byID {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(q.byID, id)
			for _, p := range allPriorities {
				q.deques[p] = removeJob(q.deques[p], job)
			}
		}
	}
}

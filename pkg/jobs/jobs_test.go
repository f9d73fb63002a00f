package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitUntilSettled(t *testing.T, q *Queue, id string) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := q.GetJob(id).Status
		if st != StatusProcessing {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s never left PROCESSING", id)
	return ""
}

// S4 — Job retry then fail: succeeds on the third attempt.
func TestS4_JobRetryThenSucceed(t *testing.T) {
	q := New(zap.NewNop(), 3, 2)
	var mu sync.Mutex
	attempts := 0
	q.RegisterHandler(TypeOrganize, func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return errors.New("transient failure")
		}
		return nil
	})

	job := q.AddJob(TypeOrganize, PriorityNormal, nil, nil)
	job.MaxRetries = 2

	for i := 0; i < 3; i++ {
		q.tick()
		st := waitUntilSettled(t, q, job.ID)
		if st == StatusCompleted || st == StatusFailed {
			break
		}
	}

	got := q.GetJob(job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

// S4 — Job retry then fail: exhausts retries on the third attempt.
func TestS4_JobRetryThenFail(t *testing.T) {
	q := New(zap.NewNop(), 3, 2)
	q.RegisterHandler(TypeOrganize, func(ctx context.Context, job *Job) error {
		return errors.New("permanent failure")
	})

	job := q.AddJob(TypeOrganize, PriorityNormal, nil, nil)
	job.MaxRetries = 2

	for i := 0; i < 3; i++ {
		q.tick()
		st := waitUntilSettled(t, q, job.ID)
		if st == StatusCompleted || st == StatusFailed {
			break
		}
	}

	got := q.GetJob(job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

// Invariant 8: a RETRYING job is dispatched before a same-priority PENDING
// job enqueued after it (retry-to-front).
func TestInvariant8_RetryingDispatchedBeforeLaterPending(t *testing.T) {
	q := New(zap.NewNop(), 3, 2)

	var mu sync.Mutex
	var order []string
	failedOnce := false

	first := q.AddJob(TypeOrganize, PriorityNormal, nil, nil)

	q.RegisterHandler(TypeOrganize, func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		if job.ID == first.ID && !failedOnce {
			failedOnce = true
			return errors.New("transient")
		}
		return nil
	})

	q.tick() // dispatches "first", which fails and re-enters RETRYING at the front
	waitUntilSettled(t, q, first.ID)

	q.AddJob(TypeOrganize, PriorityNormal, nil, nil)

	q.tick() // should dispatch the retrying "first" again before the newly-added job
	waitUntilSettled(t, q, first.ID)

	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, first.ID, order[0])
	assert.Equal(t, first.ID, order[1])
}

func TestDependenciesGateDispatch(t *testing.T) {
	q := New(zap.NewNop(), 3, 2)
	var mu sync.Mutex
	var ran []string
	q.RegisterHandler(TypeOrganize, func(ctx context.Context, job *Job) error {
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		return nil
	})

	dep := q.AddJob(TypeOrganize, PriorityNormal, nil, nil)
	dependent := q.AddJob(TypeOrganize, PriorityNormal, []string{dep.ID}, nil)

	q.tick() // only dep is eligible; dependent's dependency isn't COMPLETED yet
	waitUntilSettled(t, q, dep.ID)

	assert.Equal(t, StatusCompleted, q.GetJob(dep.ID).Status)
	assert.Equal(t, StatusPending, q.GetJob(dependent.ID).Status)

	q.tick() // now dep is COMPLETED, dependent becomes eligible
	waitUntilSettled(t, q, dependent.ID)
	assert.Equal(t, StatusCompleted, q.GetJob(dependent.ID).Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{dep.ID, dependent.ID}, ran)
}

func TestCancelJob(t *testing.T) {
	q := New(zap.NewNop(), 3, 2)
	job := q.AddJob(TypeOrganize, PriorityNormal, nil, nil)
	require.NoError(t, q.CancelJob(job.ID))
	assert.Equal(t, StatusCancelled, q.GetJob(job.ID).Status)
	assert.Len(t, q.deques[PriorityNormal], 0)
}

package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/ledger-reconciler/internal/jobs"
)

func waitForStatus(t *testing.T, s *Store, id string, want jobs.JobStatus) *jobs.ReconcileJob {
	t.Helper()
	var got *jobs.ReconcileJob
	require.Eventually(t, func() bool {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueueProcessesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store)
	defer q.Close()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		rj := job.(*jobs.ReconcileJob)
		rj.RunID = "run-" + rj.JobID
		rj.Accepted = 7
		return nil
	}))

	job := &jobs.ReconcileJob{Source: "gs://b/in.jsonl"}
	require.NoError(t, q.PublishReconcile(ctx, job))
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, jobs.DefaultMaxRetries, job.MaxRetries)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "run-"+job.JobID, got.RunID)
	assert.Equal(t, 7, got.Accepted)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestQueueRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 1, store)
	q.backoff = time.Millisecond
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		calls.Add(1)
		return errors.New("bucket unavailable")
	}))

	job := &jobs.ReconcileJob{Source: "gs://b/in.jsonl", MaxRetries: 2}
	require.NoError(t, q.PublishReconcile(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "bucket unavailable", got.Error)
}

func TestQueueRetrySucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(10, 2, store)
	q.backoff = time.Millisecond
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	job := &jobs.ReconcileJob{Source: jobs.SourceInline}
	require.NoError(t, q.PublishReconcile(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(1, 1, nil)
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	err := q.PublishReconcile(context.Background(), &jobs.ReconcileJob{})
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), nil), ErrQueueClosed)
}

// flakyStore accepts the first save and rejects the rest.
type flakyStore struct {
	*Store
	saves atomic.Int32
}

func (s *flakyStore) SaveJob(ctx context.Context, job *jobs.ReconcileJob) error {
	if s.saves.Add(1) > 1 {
		return errors.New("store unavailable")
	}
	return s.Store.SaveJob(ctx, job)
}

func TestQueueKeepsProcessingWhenStateSaveFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &flakyStore{Store: NewStore()}
	q := NewQueue(10, 1, store)
	defer q.Close()

	var handled atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		handled.Add(1)
		return nil
	}))

	require.NoError(t, q.PublishReconcile(ctx, &jobs.ReconcileJob{Source: jobs.SourceInline}))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.saves.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

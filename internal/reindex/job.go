// Package reindex walks storage to re-queue every entity of a scope or to remove a
// whole collection from the index, recording job progress as it goes.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/model"
)

// Error types for job operations.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// JobKind distinguishes reindex jobs from collection deletes.
type JobKind string

const (
	JobReIndex          JobKind = "reindex"
	JobCollectionDelete JobKind = "collection_delete"
)

// State is the lifecycle state of a job.
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// JobStatus is the recorded progress of a job. Cursor is the position to resume
// from if the job is run again with the same id.
type JobStatus struct {
	JobID      uuid.UUID              `json:"jobId"`
	Kind       JobKind                `json:"kind"`
	Scope      model.ApplicationScope `json:"scope"`
	Collection string                 `json:"collection,omitempty"`
	State      State                  `json:"state"`
	Processed  int64                  `json:"processed"`
	Cursor     string                 `json:"cursor,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"startedAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// StatusStore persists job status.
type StatusStore interface {
	Put(ctx context.Context, status JobStatus) error
	Get(ctx context.Context, jobID uuid.UUID) (JobStatus, error)
}

// DefaultMemoryJobs bounds the job history kept by MemoryStatusStore.
const DefaultMemoryJobs = 1024

// MemoryStatusStore keeps the most recent jobs in process memory.
type MemoryStatusStore struct {
	mu   sync.Mutex
	jobs *lru.Cache[uuid.UUID, JobStatus]
}

// NewMemoryStatusStore creates a store that remembers up to size jobs.
func NewMemoryStatusStore(size int) (*MemoryStatusStore, error) {
	if size <= 0 {
		size = DefaultMemoryJobs
	}
	jobs, err := lru.New[uuid.UUID, JobStatus](size)
	if err != nil {
		return nil, fmt.Errorf("create job cache: %w", err)
	}
	return &MemoryStatusStore{jobs: jobs}, nil
}

// Put implements StatusStore.
func (s *MemoryStatusStore) Put(ctx context.Context, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs.Add(status.JobID, status)
	return nil
}

// Get implements StatusStore.
func (s *MemoryStatusStore) Get(ctx context.Context, jobID uuid.UUID) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.jobs.Get(jobID)
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return status, nil
}

// tracker records progress of one running job.
type tracker struct {
	store  StatusStore
	status JobStatus
	now    func() time.Time
}

// startJob loads the job being resumed, or creates a new one.
func startJob(ctx context.Context, store StatusStore, now func() time.Time, jobID uuid.UUID, kind JobKind, scope model.ApplicationScope, collection, cursor string) (*tracker, error) {
	t := &tracker{store: store, now: now}

	if jobID != uuid.Nil {
		prev, err := store.Get(ctx, jobID)
		switch {
		case err == nil:
			if prev.Kind != kind || prev.Scope != scope {
				return nil, fmt.Errorf("%w: job %s belongs to another scope or kind", ErrInvalidRequest, jobID)
			}
			t.status = prev
			if cursor == "" {
				cursor = prev.Cursor
			}
		case errors.Is(err, ErrJobNotFound):
		default:
			return nil, fmt.Errorf("load job %s: %w", jobID, err)
		}
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		jobID = id
	}

	ts := now().UTC()
	if t.status.JobID == uuid.Nil {
		t.status = JobStatus{
			JobID:      jobID,
			Kind:       kind,
			Scope:      scope,
			Collection: collection,
			StartedAt:  ts,
		}
	}
	t.status.State = StateStarted
	t.status.Cursor = cursor
	t.status.Error = ""
	t.status.UpdatedAt = ts

	if err := store.Put(ctx, t.status); err != nil {
		return nil, fmt.Errorf("record job start: %w", err)
	}
	return t, nil
}

func (t *tracker) progress(ctx context.Context, processed int64, cursor string) error {
	t.status.State = StateInProgress
	t.status.Processed += processed
	t.status.Cursor = cursor
	t.status.UpdatedAt = t.now().UTC()
	if err := t.store.Put(ctx, t.status); err != nil {
		return fmt.Errorf("record job progress: %w", err)
	}
	return nil
}

// finish records the final state. A failed job keeps its cursor for resumption.
func (t *tracker) finish(ctx context.Context, processed int64, cause error) (JobStatus, error) {
	t.status.Processed += processed
	t.status.UpdatedAt = t.now().UTC()
	if cause != nil {
		t.status.State = StateFailed
		t.status.Error = cause.Error()
	} else {
		t.status.State = StateComplete
		t.status.Cursor = ""
	}

	// The job's own context may be gone; the final state still needs recording.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.store.Put(putCtx, t.status); err != nil {
		return t.status, errors.Join(cause, fmt.Errorf("record job result: %w", err))
	}
	return t.status, cause
}

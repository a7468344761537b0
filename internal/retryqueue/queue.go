// Package retryqueue holds version snapshots whose append failed after the document
// content was already committed. Jobs are replayed by a background worker.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrInvalidJob indicates a job missing the fields a replay needs.
var ErrInvalidJob = errors.New("retryqueue: invalid job")

// Job is a version snapshot waiting to be appended. EditID identifies the commit that
// produced it so a replay can tell whether the version already exists.
type Job struct {
	DocumentID string          `json:"document_id"`
	EditID     string          `json:"edit_id"`
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
	AuthorID   string          `json:"author_id"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func (job Job) validate() error {
	if job.DocumentID == "" || job.EditID == "" || job.AuthorID == "" {
		return ErrInvalidJob
	}
	return nil
}

// Queue is a FIFO of pending jobs.
type Queue interface {
	Push(ctx context.Context, job Job) error
	// Pop removes the oldest job. ok is false when the queue is empty.
	Pop(ctx context.Context) (job Job, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemoryQueue constructs an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false, nil
	}
	job := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	return job, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

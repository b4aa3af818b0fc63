// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the background job scheduler that runs the
// long-running half of session lifecycle operations.
package queue

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// JobFunc is the body of a background job. ctx is derived from the
// scheduler's lifetime, never from the request that submitted the job.
type JobFunc func(ctx context.Context) error

// Job is a unit of background work.
type Job struct {
	ID   string
	Kind string

	// Priority orders jobs; higher runs first. Jobs of equal priority run
	// in submission order.
	Priority  int
	CreatedAt time.Time

	Run JobFunc

	// link points at the span that submitted the job.
	link trace.Link
}

// Queue defines the interface for job queue implementations.
type Queue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job from the queue.
	// Blocks until a job is available, the queue is closed and drained,
	// or ctx is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the number of jobs in the queue.
	Len() int

	// Close stops intake. Jobs already queued can still be dequeued.
	Close() error
}

// MemoryQueue is an in-memory queue implementation.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    []*Job
	maxSize int
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

// NewMemoryQueue creates a new in-memory queue. maxSize of zero means
// unbounded.
func NewMemoryQueue(maxSize int) *MemoryQueue {
	return &MemoryQueue{
		jobs:    make([]*Job, 0),
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a job to the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.jobs) >= q.maxSize {
		return ErrQueueFull
	}

	// Insert by priority (higher priority first, FIFO within a priority)
	inserted := false
	for i, j := range q.jobs {
		if job.Priority > j.Priority {
			q.jobs = append(q.jobs[:i], append([]*Job{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.jobs = append(q.jobs, job)
	}

	q.notify()
	return nil
}

// notify wakes one waiting Dequeue. Callers hold q.mu.
func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the next job from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			if len(q.jobs) > 0 {
				// Pass the wake-up on so another worker picks up the rest.
				q.notify()
			}
			q.mu.Unlock()
			return job, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-q.done:
		}
	}
}

// Len returns the number of jobs in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops intake.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

var (
	// ErrQueueClosed is returned when operations are performed on a closed queue.
	ErrQueueClosed = &QueueError{message: "queue is closed"}

	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = &QueueError{message: "queue is full"}
)

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}

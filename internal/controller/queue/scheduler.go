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

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchest/sessions/internal/controller/metrics"
	"github.com/orchest/sessions/internal/log"
)

// Config configures a Scheduler.
type Config struct {
	// Workers is the number of jobs run concurrently.
	Workers int

	// QueueSize caps pending jobs. Zero means unbounded.
	QueueSize int
}

// Scheduler runs submitted jobs on a fixed pool of workers.
type Scheduler struct {
	queue   *MemoryQueue
	workers int
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start before submitting.
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:   NewMemoryQueue(cfg.QueueSize),
		workers: cfg.Workers,
		logger:  log.WithComponent(logger, "scheduler"),
		tracer:  otel.Tracer("github.com/orchest/sessions/internal/controller/queue"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("scheduler started", slog.Int("workers", s.workers))
}

// Submit queues fn and returns the job id. The job does not inherit ctx's
// cancellation; the span in ctx, if any, is linked from the job's span.
func (s *Scheduler) Submit(ctx context.Context, kind string, fn JobFunc) (string, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now(),
		Run:       fn,
		link:      trace.LinkFromContext(ctx),
	}
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		return "", fmt.Errorf("failed to submit %s job: %w", kind, err)
	}
	metrics.SetJobsQueued(s.queue.Len())
	return job.ID, nil
}

// Len returns the number of jobs waiting for a worker.
func (s *Scheduler) Len() int {
	return s.queue.Len()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		job, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				s.logger.Error("dequeue failed", slog.Int("worker", id), log.Error(err))
			}
			return
		}
		metrics.SetJobsQueued(s.queue.Len())
		s.run(job)
	}
}

func (s *Scheduler) run(job *Job) {
	logger := log.WithJob(s.logger, job.ID, job.Kind)
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()

		opts := []trace.SpanStartOption{trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", job.Kind),
		)}
		// Jobs start a new trace linked to the submitting request.
		if job.link.SpanContext.IsValid() {
			opts = append(opts, trace.WithNewRoot(), trace.WithLinks(job.link))
		}
		ctx, span := s.tracer.Start(s.ctx, "job."+job.Kind, opts...)
		defer span.End()

		err = job.Run(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}()

	elapsed := time.Since(start)
	metrics.RecordJob(job.Kind, elapsed, err)
	if err != nil {
		logger.Error("job failed", log.Error(err), log.Duration("duration", elapsed.Milliseconds()))
		return
	}
	logger.Debug("job completed", log.Duration("duration", elapsed.Milliseconds()))
}

// Shutdown stops intake and waits for queued and running jobs to finish.
// When ctx expires first, running jobs are cancelled and ctx's error is
// returned once the workers have exited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("scheduler drain timed out; running jobs cancelled",
			slog.Int("abandoned", s.queue.Len()))
		return ctx.Err()
	}
}

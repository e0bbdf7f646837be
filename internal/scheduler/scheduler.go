/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler runs recurring maintenance jobs: outbox cleanup,
// audit retention and metrics rotation.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/metrics"
)

// Job is one recurring maintenance task. Schedule accepts either a Go
// duration ("15m") or a standard five-field cron expression.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type jobState struct {
	job       Job
	createdAt time.Time
	lastRunAt *time.Time
	running   bool
}

// Scheduler dispatches due jobs on a fixed tick.
type Scheduler struct {
	logger  *zap.Logger
	metrics *metrics.Registry // optional

	mu     sync.Mutex
	jobs   map[string]*jobState
	cancel context.CancelFunc
	ticker *time.Ticker
	wg     sync.WaitGroup
}

// New creates a scheduler. reg may be nil.
func New(logger *zap.Logger, reg *metrics.Registry) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		metrics: reg,
		jobs:    make(map[string]*jobState),
	}
}

// Add registers a job. The schedule is validated eagerly so a typo fails
// at startup, not silently at runtime.
func (s *Scheduler) Add(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := isScheduleDue(job.Schedule, nil, time.Now(), time.Now()); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{job: job, createdAt: time.Now().UTC()}
	return nil
}

// Start starts the scheduling loop. It is safe to call Start multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(30 * time.Second)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.RunDue(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RunDue executes every job whose schedule has elapsed at now. A job
// still running from a previous tick is skipped, never overlapped.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*jobState
	for _, st := range s.jobs {
		if st.running {
			continue
		}
		ok, err := isScheduleDue(st.job.Schedule, st.lastRunAt, st.createdAt, now)
		if err != nil {
			s.logger.Warn("invalid job schedule",
				zap.String("job", st.job.Name),
				zap.String("schedule", st.job.Schedule),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		st.running = true
		ts := now
		st.lastRunAt = &ts
		due = append(due, st)
	}
	s.mu.Unlock()

	for _, st := range due {
		st := st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, st)
		}()
	}
}

// TriggerNow executes a job immediately, regardless of schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job: %s", name)
	}
	if st.running {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	st.running = true
	ts := time.Now().UTC()
	st.lastRunAt = &ts
	s.mu.Unlock()

	s.runJob(ctx, st)
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, st *jobState) {
	start := time.Now()
	err := st.job.Run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	st.running = false
	s.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		s.logger.Warn("maintenance job failed",
			zap.String("job", st.job.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("maintenance job finished",
			zap.String("job", st.job.Name),
			zap.Duration("duration", duration),
		)
	}
	if s.metrics != nil {
		s.metrics.Inc("maintenance_runs", map[string]string{"job": st.job.Name, "status": outcome})
	}
}

func isScheduleDue(schedule string, lastRunAt *time.Time, createdAt, now time.Time) (bool, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return false, fmt.Errorf("schedule is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRunAt != nil {
		anchor = lastRunAt.UTC()
	}

	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now.UTC()), nil
}

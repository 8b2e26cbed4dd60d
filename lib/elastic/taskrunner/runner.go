// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskrunner runs background tasks with bounded concurrency.
package taskrunner

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 64

// ErrStopped is returned by Go after Stop has been called.
var ErrStopped = errors.New("task runner is stopped")

// Runner runs fire-and-forget tasks, at most N at a time. Tasks
// waiting for a slot are queued. All tasks share a context that is
// cancelled by Stop.
//
// A Runner must be created with New.
type Runner struct {
	logger logrus.FieldLogger
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mtx     sync.Mutex
	stopped bool

	mRunning prometheus.Gauge
	mQueued  prometheus.Gauge
	mDone    *prometheus.CounterVec
}

// New returns a Runner that runs up to maxConcurrent tasks at once
// (64 if maxConcurrent <= 0).
func New(logger logrus.FieldLogger, maxConcurrent int, reg *prometheus.Registry) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Runner) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ec2axis",
		Name:      "tasks_running",
		Help:      "Number of background tasks currently running.",
	})
	reg.MustRegister(r.mRunning)
	r.mQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ec2axis",
		Name:      "tasks_queued",
		Help:      "Number of background tasks waiting for a free slot.",
	})
	reg.MustRegister(r.mQueued)
	r.mDone = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "tasks_finished_total",
		Help:      "Number of background tasks finished, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(r.mDone)
}

// Go queues fn to run in the background. It does not wait for fn
// to start. fn should return soon after its context is cancelled.
//
// A panic in fn is logged and does not affect other tasks.
func (r *Runner) Go(name string, fn func(context.Context)) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.stopped {
		return ErrStopped
	}
	r.wg.Add(1)
	r.mQueued.Inc()
	go func() {
		defer r.wg.Done()
		err := r.sem.Acquire(r.ctx, 1)
		r.mQueued.Dec()
		if err != nil {
			r.mDone.WithLabelValues("cancelled").Inc()
			return
		}
		defer r.sem.Release(1)
		r.mRunning.Inc()
		defer r.mRunning.Dec()
		defer func() {
			if p := recover(); p != nil {
				r.logger.WithField("Task", name).Errorf("task panicked: %v", p)
				r.mDone.WithLabelValues("panic").Inc()
			}
		}()
		fn(r.ctx)
		r.mDone.WithLabelValues("done").Inc()
	}()
	return nil
}

// Stop cancels the context passed to all tasks, and waits for
// running tasks to return. Queued tasks are discarded.
func (r *Runner) Stop() {
	r.mtx.Lock()
	r.stopped = true
	r.mtx.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Wait waits for all queued and running tasks to finish. It is
// meant for tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultRetryInterval = 5 * time.Second

// A Bootstrapper makes one attempt to bring up a worker's agent.
// It returns nil if the agent was started.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, w *Worker) error
}

// BootstrapFunc is a Bootstrapper implemented by a func.
type BootstrapFunc func(context.Context, *Worker) error

func (f BootstrapFunc) Bootstrap(ctx context.Context, w *Worker) error { return f(ctx, w) }

// A TaskRunner runs fn in the background. *taskrunner.Runner is a
// TaskRunner.
type TaskRunner interface {
	Go(name string, fn func(context.Context)) error
}

// Hooks are called by a supervisor when a worker reaches a terminal
// state of its launch. Either func may be nil.
type Hooks struct {
	// Connected is called after the worker reaches
	// StateConnected.
	Connected func(*Worker)
	// Failed is called once, after the worker reaches
	// StateFailed.
	Failed func(w *Worker, reason string)
}

func (h Hooks) connected(w *Worker) {
	if h.Connected != nil {
		h.Connected(w)
	}
}

func (h Hooks) failed(w *Worker, reason string) {
	if h.Failed != nil {
		h.Failed(w, reason)
	}
}

// RetryUntil calls attempt until it returns nil, waiting interval
// between attempts, and returns nil. If the deadline passes first,
// it returns the last error from attempt. An attempt is never
// interrupted; the deadline is checked after each attempt and after
// each wait.
//
// If ctx is cancelled during a wait, RetryUntil returns ctx.Err().
func RetryUntil(ctx context.Context, deadline time.Time, interval time.Duration, sleep func(context.Context, time.Duration) error, attempt func() error) error {
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return err
		}
		if serr := sleep(ctx, interval); serr != nil {
			return serr
		}
		if !time.Now().Before(deadline) {
			return err
		}
	}
}

// SleepContext waits for d, or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// A Supervisor drives newly launched workers from StateLaunching to
// StateConnected, retrying the bootstrap until the worker's boot
// timeout expires, in which case the worker is marked failed.
//
// Each worker gets its own background task. The tasks share no state
// other than the Fleet.
type Supervisor struct {
	Runner TaskRunner
	Logger logrus.FieldLogger

	// RetryInterval is the wait between bootstrap attempts
	// (default 5s).
	RetryInterval time.Duration

	// Resolve, if not nil, is called before each attempt while
	// the worker has no address. It should look up the
	// instance's address and call SetAddress.
	Resolve func(context.Context, *Worker) error

	// Sleep replaces SleepContext, for tests.
	Sleep func(context.Context, time.Duration) error

	mConnected *prometheus.CounterVec
	mFailed    *prometheus.CounterVec
	mBootTime  *prometheus.HistogramVec
}

// RegisterMetrics registers the supervisor's metrics with reg. It
// must be called (with nil, if metrics are not wanted) before
// Supervise.
func (sup *Supervisor) RegisterMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sup.mConnected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "workers_connected_total",
		Help:      "Number of launched workers whose agents connected.",
	}, []string{"pool"})
	reg.MustRegister(sup.mConnected)
	sup.mFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "workers_failed_total",
		Help:      "Number of launched workers that did not connect before their boot timeout.",
	}, []string{"pool"})
	reg.MustRegister(sup.mFailed)
	sup.mBootTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ec2axis",
		Name:      "boot_seconds",
		Help:      "Time from launch until the agent connected.",
		Buckets:   prometheus.ExponentialBuckets(4, 2, 10),
	}, []string{"pool"})
	reg.MustRegister(sup.mBootTime)
}

// Supervise starts a background task that bootstraps w, which must be
// in StateLaunching, with the given Bootstrapper. The task gives up
// when timeout has elapsed since w.LaunchedAt(), not counting time
// spent waiting for a free slot in Runner.
func (sup *Supervisor) Supervise(w *Worker, boot Bootstrapper, timeout time.Duration, hooks Hooks) {
	if sup.mConnected == nil {
		sup.RegisterMetrics(nil)
	}
	queued := time.Now()
	err := sup.Runner.Go("connect "+w.Label(), func(ctx context.Context) {
		deadline := w.LaunchedAt().Add(timeout).Add(time.Since(queued))
		sup.Reach(ctx, w, boot, deadline, hooks)
	})
	if err != nil {
		reason := fmt.Sprintf("cannot supervise worker %s: %s", w.Label(), err)
		sup.Logger.WithField("Label", w.Label()).Warnf("will cancel due to: %s", reason)
		if w.SetState(StateFailed, err) {
			hooks.failed(w, reason)
		}
	}
}

// Reach runs the bootstrap loop for w until it succeeds or the
// deadline passes, and updates w's state accordingly. It returns
// without changing w's state if ctx is cancelled.
func (sup *Supervisor) Reach(ctx context.Context, w *Worker, boot Bootstrapper, deadline time.Time, hooks Hooks) {
	if sup.mConnected == nil {
		sup.RegisterMetrics(nil)
	}
	interval := sup.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	sleep := sup.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := sup.Logger.WithFields(logrus.Fields{
		"Label": w.Label(),
		"Pool":  w.Pool(),
	})
	w.SetState(StateAwaitingReachability, nil)
	logger.WithField("Deadline", deadline).Infof("waiting for worker %s to come up", w.Name())
	attempts := 0
	err := RetryUntil(ctx, deadline, interval, sleep, func() error {
		attempts++
		var err error
		if w.Address() == "" && sup.Resolve != nil {
			err = sup.Resolve(ctx, w)
		}
		if err == nil {
			err = boot.Bootstrap(ctx, w)
		}
		if err != nil {
			w.SetLastError(err)
			logger.WithError(err).Infof("connection to %s failed, will retry in %s", w.Name(), interval)
		}
		return err
	})
	if err != nil && err == ctx.Err() {
		logger.Info("stopped supervising worker")
		return
	}
	if err == nil {
		if w.SetState(StateConnected, nil) {
			sup.mConnected.WithLabelValues(w.Pool()).Inc()
			sup.mBootTime.WithLabelValues(w.Pool()).Observe(time.Since(w.LaunchedAt()).Seconds())
			logger.WithField("Attempts", attempts).Infof("worker %s is online", w.Name())
			hooks.connected(w)
		}
		return
	}
	reason := fmt.Sprintf("worker %s (label %s) did not connect before %s: %s", w.Name(), w.Label(), deadline.Format(time.RFC3339), err)
	if w.SetState(StateFailed, err) {
		sup.mFailed.WithLabelValues(w.Pool()).Inc()
		logger.WithField("Attempts", attempts).Warnf("will cancel due to: %s", reason)
		hooks.failed(w, reason)
	}
}

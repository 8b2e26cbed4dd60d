// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package allocator decides which workers satisfy an allocation
// request, and tracks each job's workers until the job finishes.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/provision"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	OrphanTerminate = "terminate"
	OrphanLeave     = "leave"
)

var (
	ErrUnknownPool    = errors.New("unknown pool")
	ErrUnknownJob     = errors.New("unknown job")
	ErrInvalidRequest = errors.New("invalid request")
)

// A Request asks for Count workers of a pool on behalf of a job.
type Request struct {
	JobID string
	Pool  string
	Count int

	// BootTimeout overrides the pool's boot timeout, if
	// positive.
	BootTimeout time.Duration

	// Cancel is called, at most once, if the job's workers
	// cannot all be brought up in time. It should cancel all of
	// the job's pending work.
	Cancel func(reason string)

	// Logger receives progress messages. If nil, the
	// coordinator's logger is used.
	Logger logrus.FieldLogger
}

// A Coordinator serializes allocation decisions for each pool, and
// keeps a table of jobs with outstanding allocations.
type Coordinator struct {
	Config   *axis.Config
	Fleet    *worker.Fleet
	Matcher  *provision.Matcher
	OnDemand *provision.OnDemand
	Spot     provision.Provisioner
	API      cloud.EC2API
	Logger   logrus.FieldLogger

	// Registry is used for metrics. If nil, metrics are not
	// exported.
	Registry *prometheus.Registry

	setupOnce sync.Once
	locksMtx  sync.Mutex
	locks     map[string]chan struct{}
	mtx       sync.Mutex
	jobs      map[string]*jobRecord

	mAllocations *prometheus.CounterVec
	mLatency     *prometheus.HistogramVec
	mCancels     *prometheus.CounterVec
}

// jobRecord tracks one job's allocation. Fields are guarded by the
// coordinator's mtx.
type jobRecord struct {
	id        string
	pool      axis.Pool
	start     time.Time
	limit     time.Duration
	labels    []string
	allocated bool
	cancelled bool
	// stale records were superseded or finished. Their workers'
	// later events no longer affect the job.
	stale  bool
	cancel func(string)
	logger logrus.FieldLogger
}

func (c *Coordinator) setup() {
	c.locks = map[string]chan struct{}{}
	c.jobs = map[string]*jobRecord{}
	reg := c.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.mAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "allocations_total",
		Help:      "Number of allocation requests, by pool and outcome.",
	}, []string{"pool", "outcome"})
	reg.MustRegister(c.mAllocations)
	c.mLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ec2axis",
		Name:      "allocation_seconds",
		Help:      "Time taken to decide and launch an allocation, including waiting for the pool lock.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"pool"})
	reg.MustRegister(c.mLatency)
	c.mCancels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "job_cancellations_total",
		Help:      "Number of jobs whose pending work was cancelled, by reason.",
	}, []string{"reason"})
	reg.MustRegister(c.mCancels)
}

// lockPool waits for the pool's lock. It returns a func that
// releases the lock, or ctx.Err() if ctx is done first.
func (c *Coordinator) lockPool(ctx context.Context, pool string) (func(), error) {
	c.locksMtx.Lock()
	ch, ok := c.locks[pool]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[pool] = ch
	}
	c.locksMtx.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Allocate returns the labels of req.Count workers of the requested
// pool, leased to req.JobID. Idle and stopped capacity is used
// first; the rest is launched. Allocate does not wait for new workers
// to connect.
//
// Any previous allocation for the same job is discarded first. ctx
// only bounds the wait for the pool lock.
func (c *Coordinator) Allocate(ctx context.Context, req Request) ([]string, error) {
	c.setupOnce.Do(c.setup)
	t0 := time.Now()
	logger := req.Logger
	if logger == nil {
		logger = c.Logger
	}
	logger = logger.WithFields(logrus.Fields{"JobID": req.JobID, "Pool": req.Pool})
	if req.JobID == "" {
		return nil, fmt.Errorf("%w: job id is empty", ErrInvalidRequest)
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrInvalidRequest)
	}
	pool, err := c.Config.GetPool(req.Pool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, err)
	}
	if req.BootTimeout > 0 {
		pool.BootTimeout = axis.Duration(req.BootTimeout)
	}

	unlock, err := c.lockPool(ctx, pool.Name)
	if err != nil {
		logger.WithError(err).Warn("gave up waiting for pool lock")
		c.mAllocations.WithLabelValues(pool.Name, "interrupted").Inc()
		return nil, err
	}
	defer unlock()
	// Once the lock is held, a disconnected client must not leave
	// instances half launched or stopped instances half restarted.
	ctx = context.WithoutCancel(ctx)

	c.evict(req.JobID, "superseded by a new allocation", logger)
	rec := &jobRecord{
		id:     req.JobID,
		pool:   pool,
		limit:  pool.BootTimeout.Duration(),
		cancel: req.Cancel,
		logger: logger,
	}
	hooks := c.hooks(rec)

	matched, err := c.Matcher.Match(ctx, pool, req.Count, logger)
	if err != nil {
		c.mAllocations.WithLabelValues(pool.Name, "error").Inc()
		return nil, err
	}
	var restarted []*worker.Worker
	for i, w := range matched {
		w.Assign(req.JobID, i+1)
		if w.State() == worker.StateLaunching {
			restarted = append(restarted, w)
		}
	}
	var created []*worker.Worker
	if deficit := req.Count - len(matched); deficit > 0 {
		var prov provision.Provisioner = c.OnDemand
		if pool.Spot() {
			prov = c.Spot
		}
		logger.WithFields(logrus.Fields{
			"Reused":  len(matched),
			"Deficit": deficit,
		}).Info("provisioning new workers")
		created, err = prov.Provision(ctx, pool, deficit, provision.Batch{
			JobID:     req.JobID,
			FirstSlot: len(matched) + 1,
			Hooks:     hooks,
		}, logger)
		if err != nil {
			c.abandonMatched(matched, pool, logger)
			var pbe *provision.PartialBatchError
			if errors.As(err, &pbe) {
				c.handleOrphans(ctx, pbe, logger)
			}
			c.mAllocations.WithLabelValues(pool.Name, "error").Inc()
			return nil, err
		}
	}
	for _, w := range matched {
		if w.State() == worker.StateReserved {
			w.SetState(worker.StateConnected, nil)
		}
	}
	if err := c.OnDemand.Supervise(pool, restarted, hooks); err != nil {
		logger.WithError(err).Warn("cannot supervise restarted instances")
		for _, w := range restarted {
			if w.SetState(worker.StateFailed, err) {
				hooks.Failed(w, err.Error())
			}
		}
	}

	labels := make([]string, 0, req.Count)
	for _, w := range append(matched, created...) {
		labels = append(labels, w.Label())
	}
	c.mtx.Lock()
	rec.start = t0
	rec.labels = labels
	c.jobs[req.JobID] = rec
	c.mtx.Unlock()
	c.checkAllocated(rec)

	c.mAllocations.WithLabelValues(pool.Name, "ok").Inc()
	c.mLatency.WithLabelValues(pool.Name).Observe(time.Since(t0).Seconds())
	logger.WithFields(logrus.Fields{
		"Labels":  labels,
		"Reused":  len(matched),
		"Created": len(created),
	}).Info("allocated workers")
	return labels, nil
}

// abandonMatched undoes the reservation of matched workers after the
// rest of the allocation failed. Restarted instances are stopped
// again.
func (c *Coordinator) abandonMatched(matched []*worker.Worker, pool axis.Pool, logger logrus.FieldLogger) {
	var stop []string
	for _, w := range matched {
		if w.State() == worker.StateReserved {
			c.Fleet.Release(w.Label())
			continue
		}
		w.SetState(worker.StateFailed, errors.New("allocation failed"))
		stop = append(stop, w.InstanceID())
		c.Fleet.Forget(w.Label())
	}
	if len(stop) > 0 {
		_, err := c.API.StopInstances(context.Background(), &ec2.StopInstancesInput{InstanceIds: stop})
		if err != nil {
			logger.WithError(err).WithField("InstanceIDs", stop).Warn("error stopping restarted instances")
		}
	}
}

func (c *Coordinator) handleOrphans(ctx context.Context, pbe *provision.PartialBatchError, logger logrus.FieldLogger) {
	logger = logger.WithFields(logrus.Fields{
		"InstanceIDs":    pbe.InstanceIDs,
		"SpotRequestIDs": pbe.SpotRequestIDs,
	})
	if c.Config.OrphanPolicy == OrphanLeave {
		logger.Warn("leaving resources created by failed batch")
		return
	}
	if len(pbe.InstanceIDs) > 0 {
		_, err := c.API.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: pbe.InstanceIDs})
		if err != nil {
			logger.WithError(err).Error("error terminating instances created by failed batch")
		} else {
			logger.Info("terminated instances created by failed batch")
		}
	}
	if len(pbe.SpotRequestIDs) > 0 {
		_, err := c.API.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: pbe.SpotRequestIDs})
		if err != nil {
			logger.WithError(err).Error("error cancelling spot requests created by failed batch")
		} else {
			logger.Info("cancelled spot requests created by failed batch")
		}
	}
}

// hooks returns the callbacks for workers allocated to rec.
func (c *Coordinator) hooks(rec *jobRecord) worker.Hooks {
	return worker.Hooks{
		Connected: func(w *worker.Worker) {
			c.mtx.Lock()
			stale := rec.stale
			c.mtx.Unlock()
			if stale {
				rec.logger.WithField("Label", w.Label()).Info("worker connected after its job went away, releasing")
				c.Fleet.Release(w.Label())
				return
			}
			c.checkAllocated(rec)
		},
		Failed: func(w *worker.Worker, reason string) {
			c.cleanup(w, rec.pool, rec.logger)
			c.mtx.Lock()
			stale := rec.stale
			first := !stale && !rec.cancelled
			rec.cancelled = rec.cancelled || first
			c.mtx.Unlock()
			if stale {
				c.Fleet.Forget(w.Label())
				return
			}
			if first {
				c.cancel(rec, "worker-failed", reason)
			}
		},
	}
}

func (c *Coordinator) cancel(rec *jobRecord, why, reason string) {
	rec.logger.Warnf("will cancel due to: %s", reason)
	c.mCancels.WithLabelValues(why).Inc()
	if rec.cancel != nil {
		rec.cancel(reason)
	}
}

// cleanup releases the cloud resources of a failed worker: its
// instance is terminated (or stopped, if the pool says so), and its
// spot request is cancelled if the instance is not known yet or the
// request would otherwise launch a replacement.
func (c *Coordinator) cleanup(w *worker.Worker, pool axis.Pool, logger logrus.FieldLogger) {
	ctx := context.Background()
	logger = logger.WithField("Label", w.Label())
	instanceID, sirID := w.InstanceID(), w.SpotRequestID()
	if sirID != "" && (instanceID == "" || pool.BidType == "persistent") {
		_, err := c.API.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: []string{sirID}})
		if err != nil {
			logger.WithError(err).WithField("SpotRequestID", sirID).Error("error cancelling spot request of failed worker")
		}
	}
	if instanceID == "" {
		return
	}
	var err error
	if pool.StopOnTerminate && sirID == "" {
		_, err = c.API.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	} else {
		_, err = c.API.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	}
	if err != nil {
		logger.WithError(err).WithField("InstanceID", instanceID).Error("error shutting down failed worker")
	}
}

// checkAllocated marks rec allocated if all of its workers are
// connected.
func (c *Coordinator) checkAllocated(rec *jobRecord) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if rec.allocated || rec.stale || rec.labels == nil {
		return
	}
	for _, label := range rec.labels {
		w := c.Fleet.Get(label)
		if w == nil || w.State() != worker.StateConnected {
			return
		}
	}
	rec.allocated = true
	rec.logger.Info("all workers connected")
}

// MarkAllocated records that the job's capacity is ready, so
// CheckTimeouts will not cancel it.
func (c *Coordinator) MarkAllocated(jobID string) error {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rec, ok := c.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJob, jobID)
	}
	rec.allocated = true
	return nil
}

// CheckTimeouts cancels the pending work of every job that has not
// been marked allocated within its boot timeout. Each job is
// cancelled at most once. It returns the IDs of the jobs cancelled
// by this call.
func (c *Coordinator) CheckTimeouts(now time.Time) []string {
	c.setupOnce.Do(c.setup)
	var expired []*jobRecord
	c.mtx.Lock()
	for _, rec := range c.jobs {
		if rec.allocated || rec.cancelled || now.Sub(rec.start) < rec.limit {
			continue
		}
		rec.cancelled = true
		expired = append(expired, rec)
	}
	c.mtx.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
	var ids []string
	for _, rec := range expired {
		c.cancel(rec, "boot-timeout", fmt.Sprintf("boot timeout: workers not ready after %s", rec.limit))
		ids = append(ids, rec.id)
	}
	return ids
}

// JobFinished evicts the job's record. Connected and reserved
// workers return to the idle pool, failed workers are forgotten,
// and workers still launching are released when they connect.
func (c *Coordinator) JobFinished(jobID string) error {
	c.setupOnce.Do(c.setup)
	if !c.evict(jobID, "job finished", c.Logger.WithField("JobID", jobID)) {
		return fmt.Errorf("%w %q", ErrUnknownJob, jobID)
	}
	return nil
}

// evict removes the job's record, if any, and returns true if there
// was one.
func (c *Coordinator) evict(jobID, why string, logger logrus.FieldLogger) bool {
	c.mtx.Lock()
	rec, ok := c.jobs[jobID]
	if ok {
		rec.stale = true
		delete(c.jobs, jobID)
	}
	c.mtx.Unlock()
	if !ok {
		return false
	}
	logger.WithField("Labels", rec.labels).Infof("discarding allocation: %s", why)
	for _, label := range rec.labels {
		w := c.Fleet.Get(label)
		if w == nil || w.JobID() != jobID {
			continue
		}
		switch w.State() {
		case worker.StateReserved, worker.StateConnected:
			c.Fleet.Release(label)
		case worker.StateFailed:
			c.Fleet.Forget(label)
		}
	}
	return true
}

// Release returns one worker to the idle pool.
func (c *Coordinator) Release(label string) error {
	return c.Fleet.Release(label)
}

// Jobs returns the IDs of jobs with outstanding allocations.
func (c *Coordinator) Jobs() []string {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var ids []string
	for id := range c.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

const defaultSpotPollInterval = time.Minute

// A spotLease associates a spot request with the worker waiting for
// it. The instance ID is known once the request is fulfilled.
type spotLease struct {
	spotRequestID string
	instanceID    string
	worker        *worker.Worker
}

// A SpotSupervisor follows batches of spot requests until each
// request is fulfilled or abandoned, and bootstraps the resulting
// instances.
type SpotSupervisor struct {
	API        cloud.EC2API
	Runner     worker.TaskRunner
	Supervisor *worker.Supervisor
	Logger     logrus.FieldLogger

	// PollInterval is the wait between DescribeSpotInstanceRequests
	// calls (default 1m).
	PollInterval time.Duration

	// Sleep replaces worker.SleepContext, for tests.
	Sleep func(context.Context, time.Duration) error
}

// Watch starts one background task that polls the given batch of
// spot requests. Each worker whose request is fulfilled is handed to
// the connection supervisor exactly once.
func (ss *SpotSupervisor) Watch(pool axis.Pool, leases []*spotLease, boot worker.Bootstrapper, hooks worker.Hooks) {
	err := ss.Runner.Go(fmt.Sprintf("spot batch %s", leases[0].spotRequestID), func(ctx context.Context) {
		ss.run(ctx, pool, leases, boot, hooks)
	})
	if err != nil {
		for _, l := range leases {
			ss.fail(l.worker, hooks, fmt.Sprintf("cannot follow spot request %s: %s", l.spotRequestID, err))
		}
	}
}

func (ss *SpotSupervisor) fail(w *worker.Worker, hooks worker.Hooks, reason string) {
	if w.SetState(worker.StateFailed, fmt.Errorf("%s", reason)) {
		ss.Logger.WithField("Label", w.Label()).Warnf("will cancel due to: %s", reason)
		if hooks.Failed != nil {
			hooks.Failed(w, reason)
		}
	}
}

// spotBatch tracks the requests of one batch that are not resolved
// yet. A lease is in open until its request reports an instance, then
// in pending until the instance is looked up and handed to the
// connection supervisor.
type spotBatch struct {
	open    map[string]*spotLease // by spot request ID
	pending map[string]*spotLease // by instance ID
}

func (b *spotBatch) done() bool {
	return len(b.open) == 0 && len(b.pending) == 0
}

func (ss *SpotSupervisor) run(ctx context.Context, pool axis.Pool, leases []*spotLease, boot worker.Bootstrapper, hooks worker.Hooks) {
	interval := ss.PollInterval
	if interval <= 0 {
		interval = defaultSpotPollInterval
	}
	sleep := ss.Sleep
	if sleep == nil {
		sleep = worker.SleepContext
	}
	timeout := pool.BootTimeout.Duration()
	batch := &spotBatch{
		open:    map[string]*spotLease{},
		pending: map[string]*spotLease{},
	}
	for _, l := range leases {
		batch.open[l.spotRequestID] = l
	}
	logger := ss.Logger.WithField("Pool", pool.Name)
	for !batch.done() {
		ss.poll(ctx, batch, hooks, logger)
		ss.handOff(ctx, pool, batch, boot, hooks, logger)
		ss.expire(ctx, batch, timeout, hooks, logger)
		if batch.done() {
			break
		}
		if sleep(ctx, interval) != nil {
			logger.Info("stopped following spot requests")
			return
		}
	}
	logger.WithField("Count", len(leases)).Info("all spot requests in batch resolved")
}

// poll checks the state of all open requests. Requests that report
// an instance move to pending, and the instance is recorded on the
// worker right away so a later failure cleans it up.
func (ss *SpotSupervisor) poll(ctx context.Context, batch *spotBatch, hooks worker.Hooks, logger logrus.FieldLogger) {
	for id, l := range batch.pending {
		if l.worker.State() == worker.StateFailed {
			delete(batch.pending, id)
		}
	}
	var ids []string
	for id, l := range batch.open {
		if l.worker.State() == worker.StateFailed {
			// Given up elsewhere, e.g., the job went away.
			delete(batch.open, id)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)
	resp, err := ss.API.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	})
	if err != nil {
		logger.WithError(err).Warn("error checking spot requests, will retry")
		return
	}
	for _, sir := range resp.SpotInstanceRequests {
		id := aws.ToString(sir.SpotInstanceRequestId)
		l := batch.open[id]
		if l == nil || sir.State == types.SpotInstanceStateOpen {
			continue
		}
		delete(batch.open, id)
		if sir.InstanceId == nil {
			code := ""
			if sir.Status != nil {
				code = aws.ToString(sir.Status.Code)
			}
			ss.fail(l.worker, hooks, fmt.Sprintf("spot request %s is %s (%s) without an instance", id, sir.State, code))
			continue
		}
		l.instanceID = *sir.InstanceId
		l.worker.SetInstance(l.instanceID, "")
		batch.pending[l.instanceID] = l
		logger.WithFields(logrus.Fields{
			"SpotRequestID": id,
			"InstanceID":    l.instanceID,
		}).Info("spot request fulfilled")
	}
}

// handOff looks up the pending instances, tags them, and starts
// connection supervision for each one found. Instances that cannot be
// looked up stay pending until the next poll.
func (ss *SpotSupervisor) handOff(ctx context.Context, pool axis.Pool, batch *spotBatch, boot worker.Bootstrapper, hooks worker.Hooks, logger logrus.FieldLogger) {
	if len(batch.pending) == 0 {
		return
	}
	correlated, err := ss.correlate(ctx, batch.pending)
	if err != nil {
		logger.WithError(err).Warn("error looking up spot instances, will retry")
		return
	}
	if len(pool.Tags) > 0 && len(correlated) > 0 {
		var instIDs []string
		for _, l := range correlated {
			instIDs = append(instIDs, l.instanceID)
		}
		_, err = ss.API.CreateTags(ctx, &ec2.CreateTagsInput{Resources: instIDs, Tags: Tags(pool)})
		if err != nil {
			logger.WithError(err).Warn("error tagging spot instances")
		}
	}
	for _, l := range correlated {
		delete(batch.pending, l.instanceID)
		ss.Supervisor.Supervise(l.worker, boot, pool.BootTimeout.Duration(), hooks)
	}
}

// correlate looks up the fulfilled instances and matches each one to
// its lease by spot request ID. It returns the leases whose instances
// were found, sorted by spot request ID.
func (ss *SpotSupervisor) correlate(ctx context.Context, fulfilled map[string]*spotLease) ([]*spotLease, error) {
	var ids []string
	for id := range fulfilled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	resp, err := ss.API.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, err
	}
	bySpotRequest := map[string]*spotLease{}
	for _, l := range fulfilled {
		bySpotRequest[l.spotRequestID] = l
	}
	var correlated []*spotLease
	for _, res := range resp.Reservations {
		for _, inst := range res.Instances {
			l := bySpotRequest[aws.ToString(inst.SpotInstanceRequestId)]
			if l == nil || l.instanceID != aws.ToString(inst.InstanceId) {
				continue
			}
			l.worker.SetInstance(l.instanceID, aws.ToString(inst.PrivateIpAddress))
			correlated = append(correlated, l)
		}
	}
	sort.Slice(correlated, func(i, j int) bool {
		return correlated[i].spotRequestID < correlated[j].spotRequestID
	})
	return correlated, nil
}

// expire gives up on leases that are still unresolved after the
// boot timeout. Open requests are cancelled. Pending workers already
// know their instance, so the failure hook shuts it down.
func (ss *SpotSupervisor) expire(ctx context.Context, batch *spotBatch, timeout time.Duration, hooks worker.Hooks, logger logrus.FieldLogger) {
	var expired []string
	for id, l := range batch.open {
		if time.Since(l.worker.LaunchedAt()) >= timeout {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	if len(expired) > 0 {
		_, err := ss.API.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
			SpotInstanceRequestIds: expired,
		})
		if err != nil {
			logger.WithError(err).WithField("SpotRequestIDs", expired).Warn("error cancelling spot requests")
		}
	}
	for _, id := range expired {
		l := batch.open[id]
		delete(batch.open, id)
		ss.fail(l.worker, hooks, fmt.Sprintf("spot request %s was not fulfilled within %s", id, timeout))
	}
	for id, l := range batch.pending {
		if time.Since(l.worker.LaunchedAt()) < timeout {
			continue
		}
		delete(batch.pending, id)
		ss.fail(l.worker, hooks, fmt.Sprintf("spot instance %s (request %s) could not be looked up within %s", id, l.spotRequestID, timeout))
	}
}

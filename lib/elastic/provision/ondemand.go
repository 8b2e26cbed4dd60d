// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Provisioner launches new instances for a pool.
type Provisioner interface {
	Provision(ctx context.Context, pool axis.Pool, count int, batch Batch, logger logrus.FieldLogger) ([]*worker.Worker, error)
}

// A Batch identifies the job that new workers are leased to.
type Batch struct {
	JobID string
	// FirstSlot is the slot index of the first new worker. The
	// others follow in creation order.
	FirstSlot int
	Hooks     worker.Hooks
}

func (b Batch) assign(ws []*worker.Worker) {
	for i, w := range ws {
		w.Assign(b.JobID, b.FirstSlot+i)
	}
}

// BootstrapperFunc returns the Bootstrapper for a pool's workers.
type BootstrapperFunc func(axis.Pool) (worker.Bootstrapper, error)

// OnDemand launches on-demand instances.
type OnDemand struct {
	API             cloud.EC2API
	Fleet           *worker.Fleet
	Templates       *Templates
	Supervisor      *worker.Supervisor
	NewBootstrapper BootstrapperFunc

	mLaunched *prometheus.CounterVec
}

// RegisterMetrics registers the provisioner's metrics with reg (a
// new registry if nil).
func (od *OnDemand) RegisterMetrics(reg *prometheus.Registry) {
	od.mLaunched = launchedCounter(reg)
}

func launchedCounter(reg *prometheus.Registry) *prometheus.CounterVec {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Name:      "instances_launched_total",
		Help:      "Number of instances and spot requests created, by pool and kind.",
	}, []string{"pool", "kind"})
	if err := reg.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return cv
}

// Provision launches count instances with one RunInstances call,
// tags them, and hands the resulting workers to the supervisor. It
// returns without waiting for the workers to connect.
func (od *OnDemand) Provision(ctx context.Context, pool axis.Pool, count int, batch Batch, logger logrus.FieldLogger) ([]*worker.Worker, error) {
	if count <= 0 {
		return nil, nil
	}
	if od.mLaunched == nil {
		od.RegisterMetrics(nil)
	}
	boot, err := od.NewBootstrapper(pool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	lp, err := od.Templates.LaunchParams(ctx, pool)
	if err != nil {
		return nil, err
	}
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(pool.ImageID),
		InstanceType:        types.InstanceType(pool.InstanceType),
		MinCount:            aws.Int32(int32(count)),
		MaxCount:            aws.Int32(int32(count)),
		BlockDeviceMappings: lp.BlockDeviceMappings,
		UserData:            lp.UserData,
	}
	if lp.KeyName != "" {
		input.KeyName = aws.String(lp.KeyName)
	}
	if pool.Zone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(pool.Zone)}
	}
	if pool.SubnetID != "" {
		input.SubnetId = aws.String(pool.SubnetID)
		input.SecurityGroupIds = lp.SecurityGroupIDs
	} else {
		input.SecurityGroups = lp.SecurityGroupNames
	}
	logger.WithFields(logrus.Fields{
		"ImageID":      pool.ImageID,
		"InstanceType": pool.InstanceType,
		"Count":        count,
	}).Infof("launching %s for template %s", pool.ImageID, pool.Description)
	resp, err := od.API.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("RunInstances: %w", err)
	}
	ids := make([]string, 0, len(resp.Instances))
	for _, inst := range resp.Instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	od.mLaunched.WithLabelValues(pool.Name, "on-demand").Add(float64(len(ids)))
	logger.WithField("InstanceIDs", ids).Infof("sent instance creation request, allocated instance count: %d", len(ids))
	if len(ids) > 0 {
		_, err = od.API.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: ids,
			Tags:      Tags(pool),
		})
		if err != nil {
			return nil, &PartialBatchError{InstanceIDs: ids, Err: fmt.Errorf("CreateTags: %w", err)}
		}
	}
	var created []*worker.Worker
	for _, inst := range resp.Instances {
		w := od.Fleet.Create(pool.Name, worker.StateLaunching)
		w.SetInstance(aws.ToString(inst.InstanceId), aws.ToString(inst.PrivateIpAddress))
		logger.WithFields(logrus.Fields{
			"Label":      w.Label(),
			"InstanceID": w.InstanceID(),
		}).Info("created worker for new instance")
		created = append(created, w)
	}
	batch.assign(created)
	od.supervise(pool, boot, created, batch.Hooks)
	return created, nil
}

// Supervise hands workers of the given pool, e.g., restarted stopped
// instances, to the supervisor.
func (od *OnDemand) Supervise(pool axis.Pool, ws []*worker.Worker, hooks worker.Hooks) error {
	if len(ws) == 0 {
		return nil
	}
	boot, err := od.NewBootstrapper(pool)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	od.supervise(pool, boot, ws, hooks)
	return nil
}

func (od *OnDemand) supervise(pool axis.Pool, boot worker.Bootstrapper, ws []*worker.Worker, hooks worker.Hooks) {
	for _, w := range ws {
		od.Supervisor.Supervise(w, boot, pool.BootTimeout.Duration(), hooks)
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Spot launches instances through spot requests. The requests are
// followed up by a SpotSupervisor.
type Spot struct {
	API             cloud.EC2API
	Fleet           *worker.Fleet
	Templates       *Templates
	Supervisor      *SpotSupervisor
	NewBootstrapper BootstrapperFunc

	mLaunched *prometheus.CounterVec
}

func (sp *Spot) RegisterMetrics(reg *prometheus.Registry) {
	sp.mLaunched = launchedCounter(reg)
}

// SpotWorkerName returns the name of the worker waiting for the
// given spot request.
func SpotWorkerName(pool axis.Pool, spotRequestID string) string {
	prefix := pool.Description
	if prefix == "" {
		prefix = pool.Name
	}
	return strings.ReplaceAll(prefix, " ", "") + "@" + spotRequestID
}

// Provision submits one spot request for count instances, and
// returns one placeholder worker per resulting spot request. The
// workers have no instance until their requests are fulfilled.
func (sp *Spot) Provision(ctx context.Context, pool axis.Pool, count int, batch Batch, logger logrus.FieldLogger) ([]*worker.Worker, error) {
	if count <= 0 {
		return nil, nil
	}
	if sp.mLaunched == nil {
		sp.RegisterMetrics(nil)
	}
	if pool.SpotMaxPrice == "" {
		return nil, invalidConfig("invalid spot price specified: %q", pool.SpotMaxPrice)
	}
	boot, err := sp.NewBootstrapper(pool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	lp, err := sp.Templates.LaunchParams(ctx, pool)
	if err != nil {
		return nil, err
	}
	spec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(pool.ImageID),
		InstanceType:        types.InstanceType(pool.InstanceType),
		BlockDeviceMappings: lp.BlockDeviceMappings,
		UserData:            lp.UserData,
	}
	if lp.KeyName != "" {
		spec.KeyName = aws.String(lp.KeyName)
	}
	if pool.Zone != "" {
		spec.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(pool.Zone)}
	}
	if pool.SubnetID != "" {
		spec.SubnetId = aws.String(pool.SubnetID)
		spec.SecurityGroupIds = lp.SecurityGroupIDs
	} else {
		spec.SecurityGroups = lp.SecurityGroupNames
	}
	logger.WithFields(logrus.Fields{
		"ImageID":      pool.ImageID,
		"InstanceType": pool.InstanceType,
		"Count":        count,
		"SpotPrice":    pool.SpotMaxPrice,
	}).Infof("launching %s for template %s", pool.ImageID, pool.Description)
	resp, err := sp.API.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(pool.SpotMaxPrice),
		InstanceCount:       aws.Int32(int32(count)),
		Type:                types.SpotInstanceType(pool.BidType),
		LaunchSpecification: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("RequestSpotInstances: %w", err)
	}
	var ids []string
	for _, sir := range resp.SpotInstanceRequests {
		if sir.SpotInstanceRequestId == nil {
			logger.Warn("spot instance request is null")
			continue
		}
		ids = append(ids, *sir.SpotInstanceRequestId)
	}
	if len(ids) == 0 {
		return nil, errors.New("no spot instances found")
	}
	sp.mLaunched.WithLabelValues(pool.Name, "spot").Add(float64(len(ids)))
	if len(pool.Tags) > 0 {
		_, err = sp.API.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: ids,
			Tags:      Tags(pool),
		})
		if err != nil {
			return nil, &PartialBatchError{SpotRequestIDs: ids, Err: fmt.Errorf("CreateTags: %w", err)}
		}
	}
	var created []*worker.Worker
	var leases []*spotLease
	for _, id := range ids {
		w := sp.Fleet.Create(pool.Name, worker.StateLaunching)
		w.SetSpotRequest(SpotWorkerName(pool, id), id)
		logger.WithFields(logrus.Fields{
			"Label":         w.Label(),
			"SpotRequestID": id,
		}).Infof("worker %s created for spot request", w.Name())
		created = append(created, w)
		leases = append(leases, &spotLease{spotRequestID: id, worker: w})
	}
	batch.assign(created)
	sp.Supervisor.Watch(pool, leases, boot, batch.Hooks)
	return created, nil
}

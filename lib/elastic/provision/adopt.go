// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"
	"sort"

	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

// Adopt adds a worker in StateIdle for each running or pending
// instance that carries the pool tag of a configured pool and is
// not already in the fleet, e.g., capacity left by a previous run of
// the service. Stopped instances are not adopted; Match restarts them
// when needed.
//
// It returns the adopted workers, sorted by label.
func (m *Matcher) Adopt(ctx context.Context, cfg *axis.Config, logger logrus.FieldLogger) ([]*worker.Worker, error) {
	if len(cfg.Pools) == 0 {
		return nil, nil
	}
	var names []string
	for name := range cfg.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	in := &ec2.DescribeInstancesInput{Filters: []types.Filter{
		{Name: aws.String("tag:" + axis.PoolTag), Values: names},
		{Name: aws.String("instance-state-name"), Values: []string{
			string(types.InstanceStateNameRunning),
			string(types.InstanceStateNamePending),
		}},
	}}
	byPool := map[string][]types.Instance{}
	for {
		resp, err := m.API.DescribeInstances(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("error listing instances: %w", err)
		}
		for _, res := range resp.Reservations {
			for _, inst := range res.Instances {
				if pool := poolTag(inst); pool != "" {
					byPool[pool] = append(byPool[pool], inst)
				}
			}
		}
		if aws.ToString(resp.NextToken) == "" {
			break
		}
		in.NextToken = resp.NextToken
	}

	var adopted []*worker.Worker
	for _, name := range names {
		pool, _ := cfg.GetPool(name)
		insts := byPool[name]
		sort.Slice(insts, func(i, j int) bool {
			return aws.ToString(insts[i].InstanceId) < aws.ToString(insts[j].InstanceId)
		})
		n := 0
		for _, inst := range insts {
			id := aws.ToString(inst.InstanceId)
			if m.Fleet.FindInstance(id) != nil {
				continue
			}
			var label string
			for label == "" || m.Fleet.Get(label) != nil {
				n++
				label = axis.Label(name, n)
			}
			w, err := m.Fleet.Register(label, id, aws.ToString(inst.PrivateIpAddress), worker.StateIdle)
			if err != nil {
				return adopted, err
			}
			if sir := aws.ToString(inst.SpotInstanceRequestId); sir != "" {
				w.SetSpotRequest(SpotWorkerName(pool, sir), sir)
			}
			logger.WithFields(logrus.Fields{
				"Label":      label,
				"InstanceID": id,
			}).Info("adopted existing instance")
			adopted = append(adopted, w)
		}
		logger.WithFields(logrus.Fields{
			"Pool": name,
			"Idle": m.Fleet.CountByState(name)[worker.StateIdle],
		}).Info("loaded initial instance list")
	}
	return adopted, nil
}

func poolTag(inst types.Instance) string {
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == axis.PoolTag {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

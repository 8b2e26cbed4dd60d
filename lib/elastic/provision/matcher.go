// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"
	"sort"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

// A Matcher finds existing capacity for a pool: idle workers, and
// stopped instances that were launched from the pool's template.
type Matcher struct {
	API       cloud.EC2API
	Fleet     *worker.Fleet
	Templates *Templates
}

// Match returns up to count workers from existing capacity. Idle
// workers come first, in StateReserved. Stopped instances are started
// with a single StartInstances call; their workers are returned in
// StateLaunching and still need to be supervised.
//
// Stopped instances are not considered for spot pools.
func (m *Matcher) Match(ctx context.Context, pool axis.Pool, count int, logger logrus.FieldLogger) ([]*worker.Worker, error) {
	if count <= 0 {
		return nil, nil
	}
	matched := m.Fleet.ReserveIdle(pool.Name, count)
	for _, w := range matched {
		logger.WithField("Label", w.Label()).Infof("reusing idle worker %s", w.Name())
	}
	if len(matched) == count || pool.Spot() {
		return matched, nil
	}
	started, err := m.startStopped(ctx, pool, count-len(matched), logger)
	if err != nil {
		for _, w := range matched {
			m.Fleet.Release(w.Label())
		}
		return nil, err
	}
	return append(matched, started...), nil
}

// Filters returns the DescribeInstances filters that select stopped
// instances launched from the given pool's template.
func (m *Matcher) Filters(ctx context.Context, pool axis.Pool) ([]types.Filter, error) {
	filter := func(name string, values ...string) types.Filter {
		return types.Filter{Name: aws.String(name), Values: values}
	}
	filters := []types.Filter{
		filter("image-id", pool.ImageID),
		filter("instance-type", pool.InstanceType),
	}
	if pool.Zone != "" {
		filters = append(filters, filter("availability-zone", pool.Zone))
	}
	if pool.SubnetID != "" {
		filters = append(filters, filter("subnet-id", pool.SubnetID))
		ids, err := m.Templates.SecurityGroupIDs(ctx, pool)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			filters = append(filters, filter("instance.group-id", ids...))
		}
	} else if len(pool.SecurityGroups) > 0 {
		filters = append(filters, filter("instance.group-name", pool.SecurityGroups...))
	}
	keyName, err := m.Templates.KeyName(ctx, pool)
	if err != nil {
		return nil, err
	}
	if keyName != "" {
		filters = append(filters, filter("key-name", keyName))
	}
	var keys []string
	for k := range pool.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, filter("tag:"+k, pool.Tags[k]))
	}
	filters = append(filters,
		filter("tag:"+axis.PoolTag, pool.Name),
		filter("instance-state-name", string(types.InstanceStateNameStopped), string(types.InstanceStateNameStopping)))
	return filters, nil
}

func (m *Matcher) startStopped(ctx context.Context, pool axis.Pool, want int, logger logrus.FieldLogger) ([]*worker.Worker, error) {
	filters, err := m.Filters(ctx, pool)
	if err != nil {
		return nil, err
	}
	resp, err := m.API.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("error looking for stopped instances: %w", err)
	}
	var insts []types.Instance
	for _, res := range resp.Reservations {
		for _, inst := range res.Instances {
			if len(insts) == want {
				break
			}
			id := aws.ToString(inst.InstanceId)
			if w := m.Fleet.FindInstance(id); w != nil && w.State() != worker.StateIdle {
				logger.WithField("InstanceID", id).Debugf("skipping stopped instance already tracked by %s in state %s", w.Label(), w.State())
				continue
			}
			insts = append(insts, inst)
		}
	}
	if len(insts) == 0 {
		return nil, nil
	}
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = aws.ToString(inst.InstanceId)
		logger.WithField("InstanceID", ids[i]).Info("found existing stopped instance")
	}
	_, err = m.API.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("error starting stopped instances %v: %w", ids, err)
	}
	var started []*worker.Worker
	for _, inst := range insts {
		id := aws.ToString(inst.InstanceId)
		w := m.Fleet.FindInstance(id)
		if w == nil || !w.CompareAndSetState(worker.StateIdle, worker.StateLaunching) {
			w = m.Fleet.Create(pool.Name, worker.StateLaunching)
			w.SetInstance(id, aws.ToString(inst.PrivateIpAddress))
			logger.WithFields(logrus.Fields{"InstanceID": id, "Label": w.Label()}).Info("created worker for existing instance")
		} else {
			logger.WithFields(logrus.Fields{"InstanceID": id, "Label": w.Label()}).Info("restarting tracked worker")
		}
		started = append(started, w)
	}
	return started, nil
}

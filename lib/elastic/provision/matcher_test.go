// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"errors"

	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MatcherSuite{})

type MatcherSuite struct {
	env *stubEnv
}

func (s *MatcherSuite) SetUpTest(c *check.C) {
	s.env = newStubEnv(c)
}

func (s *MatcherSuite) TearDownTest(c *check.C) {
	s.env.close()
}

// addStopped adds a stopped instance that matches buildPool().
func (s *MatcherSuite) addStopped(pool axis.Pool) string {
	return s.env.stub.AddInstance(types.Instance{
		ImageId:        aws.String(pool.ImageID),
		InstanceType:   types.InstanceType(pool.InstanceType),
		Placement:      &types.Placement{AvailabilityZone: aws.String(pool.Zone)},
		KeyName:        aws.String(pool.KeyName),
		SecurityGroups: []types.GroupIdentifier{{GroupId: aws.String("sg-classic"), GroupName: aws.String("builders")}},
		Tags:           Tags(pool),
		State:          &types.InstanceState{Name: types.InstanceStateNameStopped},
	})
}

func (s *MatcherSuite) TestIdleOnly(c *check.C) {
	pool := buildPool()
	for _, label := range []string{"build__1", "build__2", "build__3"} {
		_, err := s.env.fleet.Register(label, "i-"+label, "", worker.StateIdle)
		c.Assert(err, check.IsNil)
	}
	s.addStopped(pool)
	ws, err := s.env.matcher.Match(context.Background(), pool, 2, s.env.logger)
	c.Assert(err, check.IsNil)
	c.Assert(ws, check.HasLen, 2)
	c.Check(ws[0].Label(), check.Equals, "build__1")
	c.Check(ws[1].Label(), check.Equals, "build__2")
	c.Check(ws[0].State(), check.Equals, worker.StateReserved)
	// Enough idle workers: no cloud calls at all.
	c.Check(s.env.stub.Calls(), check.HasLen, 0)
}

func (s *MatcherSuite) TestStartStopped(c *check.C) {
	pool := buildPool()
	_, err := s.env.fleet.Register("build__1", "i-idle", "", worker.StateIdle)
	c.Assert(err, check.IsNil)
	id1 := s.addStopped(pool)
	id2 := s.addStopped(pool)
	id3 := s.addStopped(pool)
	other := pool
	other.InstanceType = "m5.xlarge"
	s.addStopped(other)

	ws, err := s.env.matcher.Match(context.Background(), pool, 3, s.env.logger)
	c.Assert(err, check.IsNil)
	c.Assert(ws, check.HasLen, 3)
	c.Check(ws[0].Label(), check.Equals, "build__1")
	c.Check(ws[0].State(), check.Equals, worker.StateReserved)
	c.Check(ws[1].InstanceID(), check.Equals, id1)
	c.Check(ws[1].State(), check.Equals, worker.StateLaunching)
	c.Check(ws[2].InstanceID(), check.Equals, id2)

	starts := s.env.stub.Calls("StartInstances")
	c.Assert(starts, check.HasLen, 1)
	c.Check(starts[0].Input.(*ec2.StartInstancesInput).InstanceIds, check.DeepEquals, []string{id1, id2})
	inst, _ := s.env.stub.Instance(id3)
	c.Check(inst.State.Name, check.Equals, types.InstanceStateNameStopped)
	inst, _ = s.env.stub.Instance(id1)
	c.Check(inst.State.Name, check.Equals, types.InstanceStateNameRunning)
	c.Check(s.env.stub.Calls("RunInstances"), check.HasLen, 0)
}

func (s *MatcherSuite) TestFilters(c *check.C) {
	pool := buildPool()
	pool.SubnetID = "subnet-1"
	filters, err := s.env.matcher.Filters(context.Background(), pool)
	c.Assert(err, check.IsNil)
	got := map[string][]string{}
	for _, f := range filters {
		got[aws.ToString(f.Name)] = f.Values
	}
	c.Check(got, check.DeepEquals, map[string][]string{
		"image-id":            {"ami-build"},
		"instance-type":       {"m5.large"},
		"availability-zone":   {"us-east-1a"},
		"subnet-id":           {"subnet-1"},
		"instance.group-id":   {"sg-vpc1"},
		"key-name":            {"ci-key"},
		"tag:team":            {"ci"},
		"tag:ec2axis-pool":    {"build"},
		"instance-state-name": {"stopped", "stopping"},
	})
}

func (s *MatcherSuite) TestSkipTrackedInstances(c *check.C) {
	pool := buildPool()
	id1 := s.addStopped(pool)
	id2 := s.addStopped(pool)
	// id1 belongs to a worker that is still shutting down after
	// a failure.
	w, err := s.env.fleet.Register("build__7", id1, "", worker.StateLaunching)
	c.Assert(err, check.IsNil)
	w.SetState(worker.StateFailed, nil)

	ws, err := s.env.matcher.Match(context.Background(), pool, 2, s.env.logger)
	c.Assert(err, check.IsNil)
	c.Assert(ws, check.HasLen, 1)
	c.Check(ws[0].InstanceID(), check.Equals, id2)
	c.Check(ws[0].Label(), check.Equals, "build__8")
}

func (s *MatcherSuite) TestSpotPoolIgnoresStopped(c *check.C) {
	pool := buildPool()
	pool.SpotMaxPrice = "0.05"
	pool.BidType = "one-time"
	s.addStopped(pool)
	ws, err := s.env.matcher.Match(context.Background(), pool, 2, s.env.logger)
	c.Check(err, check.IsNil)
	c.Check(ws, check.HasLen, 0)
	c.Check(s.env.stub.Calls(), check.HasLen, 0)
}

func (s *MatcherSuite) TestErrorReleasesReserved(c *check.C) {
	pool := buildPool()
	_, err := s.env.fleet.Register("build__1", "i-idle", "", worker.StateIdle)
	c.Assert(err, check.IsNil)
	s.env.stub.FailNext("DescribeInstances", errors.New("oops"))
	_, err = s.env.matcher.Match(context.Background(), pool, 2, s.env.logger)
	c.Check(err, check.ErrorMatches, `error looking for stopped instances: oops`)
	c.Check(s.env.fleet.Get("build__1").State(), check.Equals, worker.StateIdle)
}

func (s *MatcherSuite) TestAdopt(c *check.C) {
	pool := buildPool()
	tagged := func(pool string, state types.InstanceStateName) types.Instance {
		return types.Instance{
			Tags:  []types.Tag{{Key: aws.String(axis.PoolTag), Value: aws.String(pool)}},
			State: &types.InstanceState{Name: state},
		}
	}
	running := s.env.stub.AddInstance(tagged("build", types.InstanceStateNameRunning))
	pending := s.env.stub.AddInstance(tagged("build", types.InstanceStateNamePending))
	s.env.stub.AddInstance(tagged("build", types.InstanceStateNameStopped))
	s.env.stub.AddInstance(tagged("retired", types.InstanceStateNameRunning))
	s.env.stub.AddInstance(types.Instance{})
	spotInst := tagged("build", types.InstanceStateNameRunning)
	spotInst.SpotInstanceRequestId = aws.String("sir-1")
	spot := s.env.stub.AddInstance(spotInst)
	// Already tracked, and holding label build__1.
	_, err := s.env.fleet.Register("build__1", running, "10.9.9.9", worker.StateConnected)
	c.Assert(err, check.IsNil)

	cfg := &axis.Config{Pools: map[string]axis.Pool{"build": pool}}
	ws, err := s.env.matcher.Adopt(context.Background(), cfg, s.env.logger)
	c.Assert(err, check.IsNil)
	c.Assert(ws, check.HasLen, 2)
	c.Check(ws[0].Label(), check.Equals, "build__2")
	c.Check(ws[0].InstanceID(), check.Equals, pending)
	c.Check(ws[0].Address(), check.Not(check.Equals), "")
	c.Check(ws[0].SpotRequestID(), check.Equals, "")
	c.Check(ws[1].Label(), check.Equals, "build__3")
	c.Check(ws[1].InstanceID(), check.Equals, spot)
	c.Check(ws[1].SpotRequestID(), check.Equals, "sir-1")
	c.Check(ws[1].Name(), check.Equals, "BuildPool@sir-1")
	for _, w := range ws {
		c.Check(w.State(), check.Equals, worker.StateIdle)
	}
	c.Check(s.env.fleet.FindInstance(running).State(), check.Equals, worker.StateConnected)

	// Adopted workers are handed out before anything is launched.
	matched, err := s.env.matcher.Match(context.Background(), pool, 2, s.env.logger)
	c.Assert(err, check.IsNil)
	c.Check(matched, check.DeepEquals, ws)

	// Nothing new on a second pass.
	ws, err = s.env.matcher.Adopt(context.Background(), cfg, s.env.logger)
	c.Check(err, check.IsNil)
	c.Check(ws, check.HasLen, 0)
}

func (s *MatcherSuite) TestAdoptError(c *check.C) {
	s.env.stub.FailNext("DescribeInstances", errors.New("UnauthorizedOperation"))
	cfg := &axis.Config{Pools: map[string]axis.Pool{"build": buildPool()}}
	_, err := s.env.matcher.Adopt(context.Background(), cfg, s.env.logger)
	c.Check(err, check.ErrorMatches, `error listing instances: UnauthorizedOperation`)
}

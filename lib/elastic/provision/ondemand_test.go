// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/axistest"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&OnDemandSuite{})

type OnDemandSuite struct {
	env *stubEnv
}

func (s *OnDemandSuite) SetUpTest(c *check.C) {
	s.env = newStubEnv(c)
}

func (s *OnDemandSuite) TearDownTest(c *check.C) {
	s.env.close()
}

func (s *OnDemandSuite) TestProvision(c *check.C) {
	pool := buildPool()
	pool.SubnetID = "subnet-1"
	ws, err := s.env.ondemand.Provision(context.Background(), pool, 3, s.env.batch("job1", 3), s.env.logger)
	c.Assert(err, check.IsNil)
	c.Assert(ws, check.HasLen, 3)

	runs := s.env.stub.Calls("RunInstances")
	c.Assert(runs, check.HasLen, 1)
	in := runs[0].Input.(*ec2.RunInstancesInput)
	c.Check(aws.ToInt32(in.MinCount), check.Equals, int32(3))
	c.Check(aws.ToInt32(in.MaxCount), check.Equals, int32(3))
	c.Check(aws.ToString(in.ImageId), check.Equals, "ami-build")
	c.Check(in.InstanceType, check.Equals, types.InstanceType("m5.large"))
	c.Check(aws.ToString(in.Placement.AvailabilityZone), check.Equals, "us-east-1a")
	c.Check(aws.ToString(in.SubnetId), check.Equals, "subnet-1")
	c.Check(in.SecurityGroupIds, check.DeepEquals, []string{"sg-vpc1"})
	c.Check(in.SecurityGroups, check.HasLen, 0)
	c.Check(aws.ToString(in.KeyName), check.Equals, "ci-key")
	c.Check(in.BlockDeviceMappings, check.HasLen, 4)
	c.Check(in.UserData, check.NotNil)

	tags := s.env.stub.Calls("CreateTags")
	c.Assert(tags, check.HasLen, 1)
	var ids []string
	for i, w := range ws {
		ids = append(ids, w.InstanceID())
		c.Check(w.Label(), check.Equals, fmt.Sprintf("build__%d", i+1))
		c.Check(w.Name(), check.Equals, w.InstanceID())
		c.Check(w.Slot(), check.Equals, i+3)
		c.Check(w.JobID(), check.Equals, "job1")
		c.Check(w.Address(), check.Not(check.Equals), "")
	}
	c.Check(tags[0].Input.(*ec2.CreateTagsInput).Resources, check.DeepEquals, ids)
	inst, _ := s.env.stub.Instance(ids[0])
	c.Check(inst.Tags, check.DeepEquals, Tags(pool))

	s.env.runner.Wait()
	for _, w := range ws {
		c.Check(w.State(), check.Equals, worker.StateConnected)
		c.Check(s.env.bootCount(w.Label()), check.Equals, 1)
	}
	c.Check(axistest.MetricValue(c, s.env.reg, "ec2axis_instances_launched_total", "kind", "on-demand", "pool", "build"), check.Equals, 3.0)
}

// A batch of 3 launches, but one worker never connects.
func (s *OnDemandSuite) TestOneNeverConnects(c *check.C) {
	pool := buildPool()
	pool.BootTimeout = axis.Duration(50 * time.Millisecond)
	s.env.failBootstrap("build__2")
	ws, err := s.env.ondemand.Provision(context.Background(), pool, 3, s.env.batch("job1", 1), s.env.logger)
	c.Assert(err, check.IsNil)
	s.env.runner.Wait()
	c.Check(ws[0].State(), check.Equals, worker.StateConnected)
	c.Check(ws[1].State(), check.Equals, worker.StateFailed)
	c.Check(ws[2].State(), check.Equals, worker.StateConnected)
	failed := s.env.failures()
	c.Check(failed, check.HasLen, 1)
	c.Check(failed["build__2"], check.HasLen, 1)
	c.Check(s.env.bootCount("build__2") > 1, check.Equals, true)
}

func (s *OnDemandSuite) TestRunInstancesError(c *check.C) {
	s.env.stub.FailNext("RunInstances", errors.New("InsufficientInstanceCapacity"))
	ws, err := s.env.ondemand.Provision(context.Background(), buildPool(), 2, s.env.batch("job1", 1), s.env.logger)
	c.Check(err, check.ErrorMatches, `RunInstances: InsufficientInstanceCapacity`)
	c.Check(ws, check.HasLen, 0)
	c.Check(s.env.fleet.Workers(), check.HasLen, 0)
	var pbe *PartialBatchError
	c.Check(errors.As(err, &pbe), check.Equals, false)
}

func (s *OnDemandSuite) TestTagErrorIsPartial(c *check.C) {
	s.env.stub.FailNext("CreateTags", errors.New("RequestLimitExceeded"))
	ws, err := s.env.ondemand.Provision(context.Background(), buildPool(), 2, s.env.batch("job1", 1), s.env.logger)
	c.Check(ws, check.HasLen, 0)
	var pbe *PartialBatchError
	c.Assert(errors.As(err, &pbe), check.Equals, true)
	c.Check(pbe.InstanceIDs, check.DeepEquals, s.env.stub.InstanceIDs())
	c.Check(pbe.InstanceIDs, check.HasLen, 2)
	// The provisioner itself does not clean up.
	c.Check(s.env.stub.Calls("TerminateInstances"), check.HasLen, 0)
	c.Check(s.env.fleet.Workers(), check.HasLen, 0)
}

func (s *OnDemandSuite) TestConfigErrors(c *check.C) {
	pool := buildPool()
	pool.SubnetID = "subnet-1"
	pool.SecurityGroups = []string{"nonexistent"}
	_, err := s.env.ondemand.Provision(context.Background(), pool, 2, s.env.batch("job1", 1), s.env.logger)
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	c.Check(s.env.stub.Calls("RunInstances"), check.HasLen, 0)

	s.env.ondemand.NewBootstrapper = func(axis.Pool) (worker.Bootstrapper, error) {
		return nil, errors.New("pool has no PrivateKey")
	}
	_, err = s.env.ondemand.Provision(context.Background(), buildPool(), 2, s.env.batch("job1", 1), s.env.logger)
	c.Check(err, check.ErrorMatches, `invalid configuration: pool has no PrivateKey`)
	c.Check(s.env.stub.Calls("RunInstances"), check.HasLen, 0)
}

func (s *OnDemandSuite) TestSuperviseRestarted(c *check.C) {
	w := s.env.fleet.Create("build", worker.StateLaunching)
	w.SetInstance("i-restarted", "10.9.9.9")
	c.Assert(s.env.ondemand.Supervise(buildPool(), []*worker.Worker{w}, worker.Hooks{}), check.IsNil)
	s.env.runner.Wait()
	c.Check(w.State(), check.Equals, worker.StateConnected)
}

func (s *OnDemandSuite) TestAddressResolver(c *check.C) {
	id := s.env.stub.AddInstance(types.Instance{PrivateIpAddress: aws.String("10.3.2.1")})
	w := s.env.fleet.Create("build", worker.StateLaunching)
	resolve := AddressResolver(s.env.stub)
	c.Check(resolve(context.Background(), w), check.ErrorMatches, `worker build__1 has no instance yet`)
	w.SetInstance(id, "")
	c.Check(resolve(context.Background(), w), check.IsNil)
	c.Check(w.Address(), check.Equals, "10.3.2.1")
}

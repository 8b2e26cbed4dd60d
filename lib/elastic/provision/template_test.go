// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"encoding/base64"
	"errors"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/test"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TemplateSuite{})

type TemplateSuite struct{}

func devices(mappings []types.BlockDeviceMapping) map[string]string {
	m := map[string]string{}
	for _, bdm := range mappings {
		m[aws.ToString(bdm.DeviceName)] = aws.ToString(bdm.VirtualName)
	}
	return m
}

func (s *TemplateSuite) TestEphemeralMappings(c *check.C) {
	c.Check(devices(EphemeralMappings(nil)), check.DeepEquals, map[string]string{
		"/dev/xvdb": "ephemeral0",
		"/dev/xvdc": "ephemeral1",
		"/dev/xvdd": "ephemeral2",
		"/dev/xvde": "ephemeral3",
	})
	c.Check(devices(EphemeralMappings([]types.BlockDeviceMapping{
		{DeviceName: aws.String("/dev/sda1")},
		{DeviceName: aws.String("/dev/xvdb")},
		{DeviceName: aws.String("/dev/xvdd")},
	})), check.DeepEquals, map[string]string{
		"/dev/xvdc": "ephemeral0",
		"/dev/xvde": "ephemeral1",
		"/dev/xvdf": "ephemeral2",
		"/dev/xvdg": "ephemeral3",
	})

	// Image uses everything except xvdz.
	var full []types.BlockDeviceMapping
	for r := 'b'; r < 'z'; r++ {
		full = append(full, types.BlockDeviceMapping{DeviceName: aws.String("/dev/xvd" + string(r))})
	}
	c.Check(devices(EphemeralMappings(full)), check.DeepEquals, map[string]string{
		"/dev/xvdz": "ephemeral0",
	})
}

func (s *TemplateSuite) TestLaunchParamsNoSubnet(c *check.C) {
	stub := newEC2Stub()
	tmpl := NewTemplates(stub)
	pool := buildPool()
	lp, err := tmpl.LaunchParams(context.Background(), pool)
	c.Assert(err, check.IsNil)
	c.Check(lp.SecurityGroupIDs, check.HasLen, 0)
	c.Check(lp.SecurityGroupNames, check.DeepEquals, []string{"builders"})
	c.Check(devices(lp.BlockDeviceMappings), check.DeepEquals, map[string]string{
		"/dev/xvdb": "ephemeral0",
		"/dev/xvdd": "ephemeral1",
		"/dev/xvde": "ephemeral2",
		"/dev/xvdf": "ephemeral3",
	})
	ud, err := base64.StdEncoding.DecodeString(aws.ToString(lp.UserData))
	c.Check(err, check.IsNil)
	c.Check(string(ud), check.Equals, pool.UserData)
	c.Check(stub.Calls("DescribeSubnets", "DescribeSecurityGroups"), check.HasLen, 0)

	// Image mappings are cached.
	_, err = tmpl.LaunchParams(context.Background(), pool)
	c.Check(err, check.IsNil)
	c.Check(stub.Calls("DescribeImages"), check.HasLen, 1)
}

func (s *TemplateSuite) TestSecurityGroupsInSubnetVPC(c *check.C) {
	stub := newEC2Stub()
	tmpl := NewTemplates(stub)
	pool := buildPool()
	pool.SubnetID = "subnet-2"
	lp, err := tmpl.LaunchParams(context.Background(), pool)
	c.Assert(err, check.IsNil)
	c.Check(lp.SecurityGroupIDs, check.DeepEquals, []string{"sg-vpc2"})
	c.Check(lp.SecurityGroupNames, check.HasLen, 0)

	pool.SubnetID = "subnet-1"
	pool.SecurityGroups = []string{"ssh", "builders"}
	ids, err := tmpl.SecurityGroupIDs(context.Background(), pool)
	c.Check(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"sg-vpc1ssh", "sg-vpc1"})
}

func (s *TemplateSuite) TestSecurityGroupNotFound(c *check.C) {
	stub := newEC2Stub()
	tmpl := NewTemplates(stub)
	pool := buildPool()
	pool.SubnetID = "subnet-2"
	pool.SecurityGroups = []string{"builders", "ssh", "web"}
	_, err := tmpl.LaunchParams(context.Background(), pool)
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid configuration: security groups ssh, web not found in vpc-2 \(subnet subnet-2\)`)
}

func (s *TemplateSuite) TestImageNotFound(c *check.C) {
	stub := newEC2Stub()
	tmpl := NewTemplates(stub)
	pool := buildPool()
	pool.ImageID = "ami-missing"
	_, err := tmpl.LaunchParams(context.Background(), pool)
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*unable to get device mapping for image ami-missing`)
}

// Without a KeyName, the key pair is found by the fingerprint of the
// pool's private key.
func (s *TemplateSuite) TestKeyPairFromPrivateKey(c *check.C) {
	_, _, pemKey := test.NewTestKey(c)
	fps, err := cloud.KeyFingerprints(pemKey)
	c.Assert(err, check.IsNil)
	stub := newEC2Stub()
	stub.KeyPairs = []types.KeyPairInfo{
		{KeyName: aws.String("someone-else"), KeyFingerprint: aws.String("00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff")},
		{KeyName: aws.String("ci-builders"), KeyFingerprint: aws.String(fps[0])},
	}
	tmpl := NewTemplates(stub)
	pool := buildPool()
	pool.KeyName = ""
	pool.PrivateKey = pemKey
	lp, err := tmpl.LaunchParams(context.Background(), pool)
	c.Assert(err, check.IsNil)
	c.Check(lp.KeyName, check.Equals, "ci-builders")

	// The match is cached.
	name, err := tmpl.KeyName(context.Background(), pool)
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "ci-builders")
	c.Check(stub.Calls("DescribeKeyPairs"), check.HasLen, 1)

	// A configured KeyName wins, and needs no lookup.
	pool.KeyName = "ci-key"
	lp, err = tmpl.LaunchParams(context.Background(), pool)
	c.Check(err, check.IsNil)
	c.Check(lp.KeyName, check.Equals, "ci-key")
	c.Check(stub.Calls("DescribeKeyPairs"), check.HasLen, 1)

	_, _, pool.PrivateKey = test.NewTestKey(c)
	pool.KeyName = ""
	_, err = tmpl.LaunchParams(context.Background(), pool)
	c.Check(errors.Is(err, ErrInvalidConfig), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid configuration: pool build: no matching key pair \(fingerprint .*\)`)
}

func (s *TemplateSuite) TestTags(c *check.C) {
	pool := buildPool()
	pool.Tags["Name"] = "override"
	var got []string
	for _, tag := range Tags(pool) {
		got = append(got, aws.ToString(tag.Key)+"="+aws.ToString(tag.Value))
	}
	c.Check(got, check.DeepEquals, []string{"Name=override", "ec2axis-pool=build", "team=ci"})
}

func (s *TemplateSuite) TestPartialBatchError(c *check.C) {
	err := error(&PartialBatchError{InstanceIDs: []string{"i-1", "i-2"}, Err: errBootstrap})
	c.Check(err, check.ErrorMatches, `connection refused \(after creating instances i-1,i-2\)`)
	c.Check(errors.Is(err, errBootstrap), check.Equals, true)
	var pbe *PartialBatchError
	c.Check(errors.As(err, &pbe), check.Equals, true)
}

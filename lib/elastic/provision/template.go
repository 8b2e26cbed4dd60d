// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	lru "github.com/hashicorp/golang-lru"
)

const (
	imageCacheSize   = 64
	keyPairCacheSize = 16
)

var ephemeralNames = []string{"ephemeral0", "ephemeral1", "ephemeral2", "ephemeral3"}

// LaunchParams are the parts of an instance launch request that
// are derived from a pool definition by querying the cloud.
type LaunchParams struct {
	// SecurityGroupIDs is used when the pool has a subnet;
	// SecurityGroupNames otherwise.
	SecurityGroupIDs    []string
	SecurityGroupNames  []string
	BlockDeviceMappings []types.BlockDeviceMapping
	UserData            *string
	// KeyName is empty if the pool has neither a key name nor a
	// private key.
	KeyName string
}

// Templates resolves pool definitions into launch parameters. Image
// block device mappings and key pair names are cached, since they do
// not change.
type Templates struct {
	api      cloud.EC2API
	images   *lru.Cache
	keyPairs *lru.Cache
}

// NewTemplates returns a Templates that queries the given API.
func NewTemplates(api cloud.EC2API) *Templates {
	images, err := lru.New(imageCacheSize)
	if err != nil {
		panic(err)
	}
	keyPairs, err := lru.New(keyPairCacheSize)
	if err != nil {
		panic(err)
	}
	return &Templates{api: api, images: images, keyPairs: keyPairs}
}

// LaunchParams returns the launch parameters for the given pool.
func (t *Templates) LaunchParams(ctx context.Context, pool axis.Pool) (LaunchParams, error) {
	var lp LaunchParams
	if pool.SubnetID != "" {
		ids, err := t.SecurityGroupIDs(ctx, pool)
		if err != nil {
			return lp, err
		}
		lp.SecurityGroupIDs = ids
	} else {
		lp.SecurityGroupNames = pool.SecurityGroups
	}
	mappings, err := t.imageMappings(ctx, pool.ImageID)
	if err != nil {
		return lp, err
	}
	lp.BlockDeviceMappings = EphemeralMappings(mappings)
	if pool.UserData != "" {
		lp.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(pool.UserData)))
	}
	lp.KeyName, err = t.KeyName(ctx, pool)
	if err != nil {
		return lp, err
	}
	return lp, nil
}

// KeyName returns the pool's KeyName if set. Otherwise it returns the
// name of the EC2 key pair matching the pool's PrivateKey, or "" if
// the pool has no private key either.
func (t *Templates) KeyName(ctx context.Context, pool axis.Pool) (string, error) {
	if pool.KeyName != "" || pool.PrivateKey == "" {
		return pool.KeyName, nil
	}
	if v, ok := t.keyPairs.Get(pool.PrivateKey); ok {
		return v.(string), nil
	}
	name, err := cloud.FindKeyPair(ctx, t.api, pool.PrivateKey)
	if errors.Is(err, cloud.ErrNoKeyPair) {
		return "", invalidConfig("pool %s: %s", pool.Name, err)
	} else if err != nil {
		return "", err
	}
	t.keyPairs.Add(pool.PrivateKey, name)
	return name, nil
}

// SecurityGroupIDs resolves the pool's security group names to the
// IDs of VPC security groups in the VPC of the pool's subnet. It
// returns nil if the pool has no subnet or no security groups.
func (t *Templates) SecurityGroupIDs(ctx context.Context, pool axis.Pool) ([]string, error) {
	if pool.SubnetID == "" || len(pool.SecurityGroups) == 0 {
		return nil, nil
	}
	snResp, err := t.api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		SubnetIds: []string{pool.SubnetID},
	})
	if err != nil {
		return nil, fmt.Errorf("error looking up subnet %s: %w", pool.SubnetID, err)
	}
	if len(snResp.Subnets) == 0 || snResp.Subnets[0].VpcId == nil {
		return nil, invalidConfig("subnet %s not found", pool.SubnetID)
	}
	vpcID := *snResp.Subnets[0].VpcId
	sgResp, err := t.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: pool.SecurityGroups},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error looking up security groups: %w", err)
	}
	byName := map[string]string{}
	for _, sg := range sgResp.SecurityGroups {
		if aws.ToString(sg.VpcId) == vpcID {
			byName[aws.ToString(sg.GroupName)] = aws.ToString(sg.GroupId)
		}
	}
	var ids, missing []string
	for _, name := range pool.SecurityGroups {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, invalidConfig("security groups %s not found in %s (subnet %s)", strings.Join(missing, ", "), vpcID, pool.SubnetID)
	}
	return ids, nil
}

func (t *Templates) imageMappings(ctx context.Context, imageID string) ([]types.BlockDeviceMapping, error) {
	if v, ok := t.images.Get(imageID); ok {
		return v.([]types.BlockDeviceMapping), nil
	}
	resp, err := t.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return nil, fmt.Errorf("error looking up image %s: %w", imageID, err)
	}
	for _, img := range resp.Images {
		if aws.ToString(img.ImageId) == imageID {
			t.images.Add(imageID, img.BlockDeviceMappings)
			return img.BlockDeviceMappings, nil
		}
	}
	return nil, invalidConfig("unable to get device mapping for image %s", imageID)
}

// EphemeralMappings returns block device mappings that attach the
// instance store volumes ephemeral0-3 to the first device names
// /dev/xvdb through /dev/xvdz that are not already used by the
// image.
func EphemeralMappings(image []types.BlockDeviceMapping) []types.BlockDeviceMapping {
	occupied := map[string]bool{}
	for _, m := range image {
		occupied[aws.ToString(m.DeviceName)] = true
	}
	available := ephemeralNames
	var mappings []types.BlockDeviceMapping
	for suffix := 'b'; suffix <= 'z' && len(available) > 0; suffix++ {
		dev := fmt.Sprintf("/dev/xvd%c", suffix)
		if occupied[dev] {
			continue
		}
		mappings = append(mappings, types.BlockDeviceMapping{
			DeviceName:  aws.String(dev),
			VirtualName: aws.String(available[0]),
		})
		available = available[1:]
	}
	return mappings
}

// Tags returns the tags applied to a pool's instances: the pool's
// own tags, PoolTag, and a Name tag with the pool description.
func Tags(pool axis.Pool) []types.Tag {
	tags := map[string]string{axis.PoolTag: pool.Name}
	if pool.Description != "" {
		tags["Name"] = pool.Description
	}
	for k, v := range pool.Tags {
		tags[k] = v
	}
	return sortedTags(tags)
}

func sortedTags(m map[string]string) []types.Tag {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}

// AddressResolver returns a func that looks up the private address
// of a worker's instance and records it. It is meant for
// worker.Supervisor's Resolve field.
func AddressResolver(api cloud.EC2API) func(context.Context, *worker.Worker) error {
	return func(ctx context.Context, w *worker.Worker) error {
		id := w.InstanceID()
		if id == "" {
			return fmt.Errorf("worker %s has no instance yet", w.Label())
		}
		resp, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return err
		}
		for _, res := range resp.Reservations {
			for _, inst := range res.Instances {
				if aws.ToString(inst.InstanceId) == id && aws.ToString(inst.PrivateIpAddress) != "" {
					w.SetAddress(*inst.PrivateIpAddress)
					return nil
				}
			}
		}
		return fmt.Errorf("instance %s has no private address yet", id)
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// EC2Call records one call to an EC2Stub method.
type EC2Call struct {
	Op    string
	Input interface{}
}

// EC2Stub is an in-memory implementation of cloud.EC2API. Instances
// created by RunInstances are running immediately. Spot requests stay
// open until FulfillSpotRequest or CloseSpotRequest is called.
//
// Errors queued in Errors[op] are returned, one per call, before the
// stub does anything else.
type EC2Stub struct {
	Images         map[string]types.Image
	SecurityGroups []types.SecurityGroup
	Subnets        []types.Subnet
	SpotPrices     []types.SpotPrice
	KeyPairs       []types.KeyPairInfo
	Errors         map[string][]error

	mtx          sync.Mutex
	calls        []EC2Call
	instances    map[string]*types.Instance
	spotRequests map[string]*types.SpotInstanceRequest
	spotSpecs    map[string]*types.RequestSpotLaunchSpecification
	serial       int
}

func (stub *EC2Stub) init() {
	if stub.instances == nil {
		stub.instances = map[string]*types.Instance{}
		stub.spotRequests = map[string]*types.SpotInstanceRequest{}
		stub.spotSpecs = map[string]*types.RequestSpotLaunchSpecification{}
	}
}

// caller must have lock.
func (stub *EC2Stub) record(op string, input interface{}) error {
	stub.init()
	stub.calls = append(stub.calls, EC2Call{Op: op, Input: input})
	if errs := stub.Errors[op]; len(errs) > 0 {
		stub.Errors[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// Calls returns the calls made so far. If ops are given, only calls
// to those methods are returned.
func (stub *EC2Stub) Calls(ops ...string) []EC2Call {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	var calls []EC2Call
	for _, call := range stub.calls {
		if len(ops) == 0 || slices.Contains(ops, call.Op) {
			calls = append(calls, call)
		}
	}
	return calls
}

// FailNext queues an error to be returned by the next call to op.
func (stub *EC2Stub) FailNext(op string, err error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if stub.Errors == nil {
		stub.Errors = map[string][]error{}
	}
	stub.Errors[op] = append(stub.Errors[op], err)
}

// AddInstance adds an existing instance, e.g., a stopped instance
// that matches a pool. A missing InstanceId, State or
// PrivateIpAddress is filled in.
func (stub *EC2Stub) AddInstance(inst types.Instance) string {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	return stub.addInstance(inst)
}

// caller must have lock.
func (stub *EC2Stub) addInstance(inst types.Instance) string {
	stub.serial++
	if inst.InstanceId == nil {
		inst.InstanceId = aws.String(fmt.Sprintf("i-%08x", stub.serial))
	}
	if inst.State == nil {
		inst.State = &types.InstanceState{Name: types.InstanceStateNameRunning}
	}
	if inst.PrivateIpAddress == nil {
		inst.PrivateIpAddress = aws.String(fmt.Sprintf("10.0.%d.%d", stub.serial/250, stub.serial%250+1))
	}
	if inst.LaunchTime == nil {
		inst.LaunchTime = aws.Time(time.Now())
	}
	stub.instances[*inst.InstanceId] = &inst
	return *inst.InstanceId
}

// Instance returns a copy of the instance with the given ID.
func (stub *EC2Stub) Instance(id string) (types.Instance, bool) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	inst, ok := stub.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// InstanceIDs returns the IDs of all instances in the given states
// (any state, if none are given), sorted.
func (stub *EC2Stub) InstanceIDs(states ...types.InstanceStateName) []string {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	var ids []string
	for id, inst := range stub.instances {
		if len(states) == 0 || slices.Contains(states, inst.State.Name) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SpotRequest returns a copy of the spot request with the given ID.
func (stub *EC2Stub) SpotRequest(id string) (types.SpotInstanceRequest, bool) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	sir, ok := stub.spotRequests[id]
	if !ok {
		return types.SpotInstanceRequest{}, false
	}
	return *sir, true
}

// SpotRequestIDs returns the IDs of all spot requests, in the order
// they were created.
func (stub *EC2Stub) SpotRequestIDs() []string {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	var ids []string
	for id := range stub.spotRequests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FulfillSpotRequest launches an instance for an open spot request,
// marks the request active, and returns the new instance's ID.
func (stub *EC2Stub) FulfillSpotRequest(id string) (string, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	sir, ok := stub.spotRequests[id]
	if !ok {
		return "", fmt.Errorf("no spot request %q", id)
	}
	if sir.State != types.SpotInstanceStateOpen {
		return "", fmt.Errorf("spot request %q is %s", id, sir.State)
	}
	spec := stub.spotSpecs[id]
	inst := types.Instance{
		ImageId:               spec.ImageId,
		InstanceType:          spec.InstanceType,
		KeyName:               spec.KeyName,
		SubnetId:              spec.SubnetId,
		SpotInstanceRequestId: aws.String(id),
		InstanceLifecycle:     types.InstanceLifecycleTypeSpot,
	}
	if spec.Placement != nil {
		inst.Placement = &types.Placement{AvailabilityZone: spec.Placement.AvailabilityZone}
	}
	instanceID := stub.addInstance(inst)
	sir.State = types.SpotInstanceStateActive
	sir.Status = &types.SpotInstanceStatus{Code: aws.String("fulfilled")}
	sir.InstanceId = aws.String(instanceID)
	return instanceID, nil
}

// CloseSpotRequest moves an open spot request to the given state
// without launching an instance.
func (stub *EC2Stub) CloseSpotRequest(id string, state types.SpotInstanceState, code string) error {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	stub.init()
	sir, ok := stub.spotRequests[id]
	if !ok {
		return fmt.Errorf("no spot request %q", id)
	}
	sir.State = state
	sir.Status = &types.SpotInstanceStatus{Code: aws.String(code)}
	return nil
}

func (stub *EC2Stub) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeInstances", in); err != nil {
		return nil, err
	}
	var ids []string
	for id := range stub.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var res types.Reservation
	for _, id := range ids {
		inst := stub.instances[id]
		if len(in.InstanceIds) > 0 && !slices.Contains(in.InstanceIds, id) {
			continue
		}
		if !matchInstance(inst, in.Filters) {
			continue
		}
		res.Instances = append(res.Instances, *inst)
	}
	out := &ec2.DescribeInstancesOutput{}
	if len(res.Instances) > 0 {
		out.Reservations = []types.Reservation{res}
	}
	return out, nil
}

func matchInstance(inst *types.Instance, filters []types.Filter) bool {
	for _, f := range filters {
		name := aws.ToString(f.Name)
		var have []string
		switch {
		case name == "image-id":
			have = []string{aws.ToString(inst.ImageId)}
		case name == "instance-type":
			have = []string{string(inst.InstanceType)}
		case name == "availability-zone":
			if inst.Placement != nil {
				have = []string{aws.ToString(inst.Placement.AvailabilityZone)}
			}
		case name == "subnet-id":
			have = []string{aws.ToString(inst.SubnetId)}
		case name == "key-name":
			have = []string{aws.ToString(inst.KeyName)}
		case name == "instance-state-name":
			have = []string{string(inst.State.Name)}
		case name == "instance.group-id":
			for _, g := range inst.SecurityGroups {
				have = append(have, aws.ToString(g.GroupId))
			}
		case name == "instance.group-name":
			for _, g := range inst.SecurityGroups {
				have = append(have, aws.ToString(g.GroupName))
			}
		case strings.HasPrefix(name, "tag:"):
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == name[4:] {
					have = append(have, aws.ToString(tag.Value))
				}
			}
		default:
			panic("EC2Stub: unsupported filter " + name)
		}
		if !intersects(have, f.Values) {
			return false
		}
	}
	return true
}

func (stub *EC2Stub) changeState(ids []string, from []types.InstanceStateName, to types.InstanceStateName) ([]types.InstanceStateChange, error) {
	var changes []types.InstanceStateChange
	for _, id := range ids {
		inst, ok := stub.instances[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: fmt.Sprintf("The instance ID '%s' does not exist", id)}
		}
		if from != nil && !slices.Contains(from, inst.State.Name) {
			return nil, &smithy.GenericAPIError{Code: "IncorrectInstanceState", Message: fmt.Sprintf("The instance '%s' is not in a state from which it can be changed to %s", id, to)}
		}
		prev := *inst.State
		inst.State = &types.InstanceState{Name: to}
		changes = append(changes, types.InstanceStateChange{
			InstanceId:    aws.String(id),
			PreviousState: &prev,
			CurrentState:  inst.State,
		})
	}
	return changes, nil
}

func (stub *EC2Stub) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("StartInstances", in); err != nil {
		return nil, err
	}
	changes, err := stub.changeState(in.InstanceIds, []types.InstanceStateName{types.InstanceStateNameStopped, types.InstanceStateNameStopping, types.InstanceStateNameRunning}, types.InstanceStateNameRunning)
	if err != nil {
		return nil, err
	}
	return &ec2.StartInstancesOutput{StartingInstances: changes}, nil
}

func (stub *EC2Stub) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("StopInstances", in); err != nil {
		return nil, err
	}
	changes, err := stub.changeState(in.InstanceIds, []types.InstanceStateName{types.InstanceStateNamePending, types.InstanceStateNameRunning, types.InstanceStateNameStopped}, types.InstanceStateNameStopped)
	if err != nil {
		return nil, err
	}
	return &ec2.StopInstancesOutput{StoppingInstances: changes}, nil
}

func (stub *EC2Stub) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("TerminateInstances", in); err != nil {
		return nil, err
	}
	changes, err := stub.changeState(in.InstanceIds, nil, types.InstanceStateNameTerminated)
	if err != nil {
		return nil, err
	}
	return &ec2.TerminateInstancesOutput{TerminatingInstances: changes}, nil
}

func (stub *EC2Stub) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("RunInstances", in); err != nil {
		return nil, err
	}
	if _, ok := stub.Images[aws.ToString(in.ImageId)]; !ok && stub.Images != nil {
		return nil, &smithy.GenericAPIError{Code: "InvalidAMIID.NotFound", Message: fmt.Sprintf("The image id '[%s]' does not exist", aws.ToString(in.ImageId))}
	}
	n := int(aws.ToInt32(in.MaxCount))
	if n < 1 || aws.ToInt32(in.MinCount) > aws.ToInt32(in.MaxCount) {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "invalid MinCount/MaxCount"}
	}
	groups, err := stub.groupIdentifiers(in.SecurityGroupIds, in.SecurityGroups)
	if err != nil {
		return nil, err
	}
	out := &ec2.RunInstancesOutput{ReservationId: aws.String(fmt.Sprintf("r-%08x", stub.serial))}
	for i := 0; i < n; i++ {
		inst := types.Instance{
			ImageId:        in.ImageId,
			InstanceType:   in.InstanceType,
			KeyName:        in.KeyName,
			SubnetId:       in.SubnetId,
			SecurityGroups: groups,
			State:          &types.InstanceState{Name: types.InstanceStateNamePending},
		}
		if in.Placement != nil {
			inst.Placement = &types.Placement{AvailabilityZone: in.Placement.AvailabilityZone}
		}
		id := stub.addInstance(inst)
		out.Instances = append(out.Instances, *stub.instances[id])
		stub.instances[id].State = &types.InstanceState{Name: types.InstanceStateNameRunning}
	}
	return out, nil
}

// caller must have lock.
func (stub *EC2Stub) groupIdentifiers(ids, names []string) ([]types.GroupIdentifier, error) {
	var gis []types.GroupIdentifier
	for _, sg := range stub.SecurityGroups {
		if slices.Contains(ids, aws.ToString(sg.GroupId)) || slices.Contains(names, aws.ToString(sg.GroupName)) {
			gis = append(gis, types.GroupIdentifier{GroupId: sg.GroupId, GroupName: sg.GroupName})
		}
	}
	if len(gis) < len(ids)+len(names) {
		return nil, &smithy.GenericAPIError{Code: "InvalidGroup.NotFound", Message: fmt.Sprintf("security groups %q %q not all found", ids, names)}
	}
	return gis, nil
}

func (stub *EC2Stub) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("CreateTags", in); err != nil {
		return nil, err
	}
	for _, id := range in.Resources {
		if inst, ok := stub.instances[id]; ok {
			inst.Tags = mergeTags(inst.Tags, in.Tags)
		} else if sir, ok := stub.spotRequests[id]; ok {
			sir.Tags = mergeTags(sir.Tags, in.Tags)
		} else {
			return nil, &smithy.GenericAPIError{Code: "InvalidID", Message: fmt.Sprintf("The ID '%s' is not valid", id)}
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func mergeTags(have, add []types.Tag) []types.Tag {
	merged := append([]types.Tag(nil), have...)
	for _, tag := range add {
		replaced := false
		for i := range merged {
			if aws.ToString(merged[i].Key) == aws.ToString(tag.Key) {
				merged[i] = tag
				replaced = true
			}
		}
		if !replaced {
			merged = append(merged, tag)
		}
	}
	return merged
}

func (stub *EC2Stub) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeImages", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeImagesOutput{}
	for _, id := range in.ImageIds {
		if img, ok := stub.Images[id]; ok {
			if img.ImageId == nil {
				img.ImageId = aws.String(id)
			}
			out.Images = append(out.Images, img)
		}
	}
	return out, nil
}

func (stub *EC2Stub) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeSecurityGroups", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, sg := range stub.SecurityGroups {
		if len(in.GroupIds) > 0 && !slices.Contains(in.GroupIds, aws.ToString(sg.GroupId)) {
			continue
		}
		if len(in.GroupNames) > 0 && !slices.Contains(in.GroupNames, aws.ToString(sg.GroupName)) {
			continue
		}
		ok := true
		for _, f := range in.Filters {
			var have string
			switch aws.ToString(f.Name) {
			case "group-name":
				have = aws.ToString(sg.GroupName)
			case "group-id":
				have = aws.ToString(sg.GroupId)
			case "vpc-id":
				have = aws.ToString(sg.VpcId)
			default:
				panic("EC2Stub: unsupported filter " + aws.ToString(f.Name))
			}
			ok = ok && slices.Contains(f.Values, have)
		}
		if ok {
			out.SecurityGroups = append(out.SecurityGroups, sg)
		}
	}
	return out, nil
}

func (stub *EC2Stub) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeSubnets", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSubnetsOutput{}
	for _, sn := range stub.Subnets {
		if len(in.SubnetIds) == 0 || slices.Contains(in.SubnetIds, aws.ToString(sn.SubnetId)) {
			out.Subnets = append(out.Subnets, sn)
		}
	}
	if len(in.SubnetIds) > 0 && len(out.Subnets) < len(in.SubnetIds) {
		return nil, &smithy.GenericAPIError{Code: "InvalidSubnetID.NotFound", Message: fmt.Sprintf("The subnet ID %q does not exist", in.SubnetIds)}
	}
	return out, nil
}

func (stub *EC2Stub) RequestSpotInstances(_ context.Context, in *ec2.RequestSpotInstancesInput, _ ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("RequestSpotInstances", in); err != nil {
		return nil, err
	}
	if in.LaunchSpecification == nil {
		return nil, &smithy.GenericAPIError{Code: "MissingParameter", Message: "LaunchSpecification is required"}
	}
	out := &ec2.RequestSpotInstancesOutput{}
	for i := 0; i < int(aws.ToInt32(in.InstanceCount)); i++ {
		stub.serial++
		id := fmt.Sprintf("sir-%08x", stub.serial)
		sir := &types.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(id),
			SpotPrice:             in.SpotPrice,
			Type:                  in.Type,
			State:                 types.SpotInstanceStateOpen,
			Status:                &types.SpotInstanceStatus{Code: aws.String("pending-evaluation")},
			CreateTime:            aws.Time(time.Now()),
		}
		stub.spotRequests[id] = sir
		stub.spotSpecs[id] = in.LaunchSpecification
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, *sir)
	}
	return out, nil
}

func (stub *EC2Stub) DescribeSpotInstanceRequests(_ context.Context, in *ec2.DescribeSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeSpotInstanceRequests", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSpotInstanceRequestsOutput{}
	for _, id := range in.SpotInstanceRequestIds {
		sir, ok := stub.spotRequests[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotInstanceRequestID.NotFound", Message: fmt.Sprintf("The spot instance request ID '%s' does not exist", id)}
		}
		out.SpotInstanceRequests = append(out.SpotInstanceRequests, *sir)
	}
	return out, nil
}

func (stub *EC2Stub) CancelSpotInstanceRequests(_ context.Context, in *ec2.CancelSpotInstanceRequestsInput, _ ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("CancelSpotInstanceRequests", in); err != nil {
		return nil, err
	}
	out := &ec2.CancelSpotInstanceRequestsOutput{}
	for _, id := range in.SpotInstanceRequestIds {
		sir, ok := stub.spotRequests[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidSpotInstanceRequestID.NotFound", Message: fmt.Sprintf("The spot instance request ID '%s' does not exist", id)}
		}
		sir.State = types.SpotInstanceStateCancelled
		sir.Status = &types.SpotInstanceStatus{Code: aws.String("canceled-before-fulfillment")}
		out.CancelledSpotInstanceRequests = append(out.CancelledSpotInstanceRequests, types.CancelledSpotInstanceRequest{
			SpotInstanceRequestId: aws.String(id),
			State:                 types.CancelSpotInstanceRequestStateCancelled,
		})
	}
	return out, nil
}

func (stub *EC2Stub) DescribeSpotPriceHistory(_ context.Context, in *ec2.DescribeSpotPriceHistoryInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeSpotPriceHistory", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSpotPriceHistoryOutput{}
	for _, sp := range stub.SpotPrices {
		if len(in.InstanceTypes) > 0 && !slices.Contains(in.InstanceTypes, sp.InstanceType) {
			continue
		}
		if in.AvailabilityZone != nil && aws.ToString(sp.AvailabilityZone) != *in.AvailabilityZone {
			continue
		}
		out.SpotPriceHistory = append(out.SpotPriceHistory, sp)
	}
	return out, nil
}

func (stub *EC2Stub) DescribeKeyPairs(_ context.Context, in *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	stub.mtx.Lock()
	defer stub.mtx.Unlock()
	if err := stub.record("DescribeKeyPairs", in); err != nil {
		return nil, err
	}
	out := &ec2.DescribeKeyPairsOutput{}
	for _, kp := range stub.KeyPairs {
		if len(in.KeyNames) > 0 && !slices.Contains(in.KeyNames, aws.ToString(kp.KeyName)) {
			continue
		}
		out.KeyPairs = append(out.KeyPairs, kp)
	}
	return out, nil
}

func intersects(have, want []string) bool {
	for _, h := range have {
		if slices.Contains(want, h) {
			return true
		}
	}
	return false
}

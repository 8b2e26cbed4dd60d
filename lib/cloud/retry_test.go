// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/axistest"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RetrySuite{})

type RetrySuite struct{}

// flakyAPI fails DescribeInstances with each error in errs, then
// succeeds. Other methods are not implemented.
type flakyAPI struct {
	EC2API
	errs  []error
	calls int
}

func (f *flakyAPI) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &ec2.DescribeInstancesOutput{NextToken: aws.String("ok")}, nil
}

func throttled(n int) []error {
	var errs []error
	for i := 0; i < n; i++ {
		errs = append(errs, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "Request limit exceeded."})
	}
	return errs
}

func status503() error {
	return &smithy.OperationError{
		ServiceID:     "EC2",
		OperationName: "DescribeInstances",
		Err: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			Err:      errors.New("service unavailable"),
		},
	}
}

func (s *RetrySuite) newClient(c *check.C, api EC2API, maxRetries int) (*RetryingClient, *[]time.Duration, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	rc := NewRetryingClient(api, ctxlog.TestLogger(c), axis.RetryConfig{Base: axis.Duration(time.Second), MaxRetries: maxRetries}, reg)
	var sleeps []time.Duration
	rc.SetSleepFunc(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})
	return rc, &sleeps, reg
}

func (s *RetrySuite) TestIsThrottled(c *check.C) {
	c.Check(IsThrottled(nil), check.Equals, false)
	c.Check(IsThrottled(errors.New("503")), check.Equals, false)
	c.Check(IsThrottled(throttled(1)[0]), check.Equals, true)
	c.Check(IsThrottled(fmt.Errorf("wrapped: %w", throttled(1)[0])), check.Equals, true)
	c.Check(IsThrottled(status503()), check.Equals, true)
	c.Check(IsThrottled(&smithy.GenericAPIError{Code: "InvalidAMIID.NotFound"}), check.Equals, false)
}

func (s *RetrySuite) TestRetryThenSucceed(c *check.C) {
	for k := 0; k <= 3; k++ {
		api := &flakyAPI{errs: throttled(k)}
		rc, sleeps, reg := s.newClient(c, api, 3)
		out, err := rc.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{})
		c.Check(err, check.IsNil)
		c.Check(*out.NextToken, check.Equals, "ok")
		c.Check(api.calls, check.Equals, k+1)
		c.Assert(*sleeps, check.HasLen, k)
		for i := 1; i < k; i++ {
			c.Check((*sleeps)[i] > (*sleeps)[i-1], check.Equals, true)
		}
		if k > 0 {
			c.Check((*sleeps)[k-1], check.Equals, time.Duration(k)*time.Second)
		}
		c.Check(axistest.MetricValue(c, reg, "ec2axis_cloud_throttle_retries_total", "operation", "DescribeInstances"), check.Equals, float64(k))
	}
}

func (s *RetrySuite) TestRetryExhausted(c *check.C) {
	api := &flakyAPI{errs: append(throttled(3), status503())}
	rc, sleeps, _ := s.newClient(c, api, 3)
	_, err := rc.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{})
	c.Check(IsThrottled(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*service unavailable.*`)
	c.Check(api.calls, check.Equals, 4)
	c.Check(*sleeps, check.DeepEquals, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second})
}

func (s *RetrySuite) TestOtherErrorNotRetried(c *check.C) {
	api := &flakyAPI{errs: []error{&smithy.GenericAPIError{Code: "UnauthorizedOperation"}}}
	rc, sleeps, _ := s.newClient(c, api, 3)
	_, err := rc.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{})
	c.Check(err, check.ErrorMatches, `.*UnauthorizedOperation.*`)
	c.Check(api.calls, check.Equals, 1)
	c.Check(*sleeps, check.HasLen, 0)
}

func (s *RetrySuite) TestRetriesDisabled(c *check.C) {
	api := &flakyAPI{errs: throttled(1)}
	rc, sleeps, _ := s.newClient(c, api, -1)
	_, err := rc.DescribeInstances(context.Background(), &ec2.DescribeInstancesInput{})
	c.Check(IsThrottled(err), check.Equals, true)
	c.Check(api.calls, check.Equals, 1)
	c.Check(*sleeps, check.HasLen, 0)
}

func (s *RetrySuite) TestSleepHonorsContext(c *check.C) {
	api := &flakyAPI{errs: throttled(5)}
	rc := NewRetryingClient(api, ctxlog.TestLogger(c), axis.RetryConfig{Base: axis.Duration(time.Hour)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err := rc.DescribeInstances(ctx, &ec2.DescribeInstancesInput{})
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(time.Since(t0) < time.Minute, check.Equals, true)
	c.Check(api.calls, check.Equals, 1)
}

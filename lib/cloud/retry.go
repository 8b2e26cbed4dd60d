// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultRetryBase  = 4 * time.Second
	defaultMaxRetries = 8
)

// IsThrottled returns true if err indicates the cloud API is
// rejecting calls temporarily: an HTTP 503 response, or EC2's
// RequestLimitExceeded error code.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var rerr interface{ HTTPStatusCode() int }
	if errors.As(err, &rerr) && rerr.HTTPStatusCode() == http.StatusServiceUnavailable {
		return true
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) && aerr.ErrorCode() == "RequestLimitExceeded" {
		return true
	}
	return false
}

// RetryingClient wraps an EC2API, retrying calls that fail because
// of throttling. Any other error is returned to the caller right
// away.
//
// Before retry number N, RetryingClient waits N times the configured
// base interval. After MaxRetries retries, the last throttling error
// is returned.
type RetryingClient struct {
	api        EC2API
	logger     logrus.FieldLogger
	base       time.Duration
	maxRetries int
	sleep      func(context.Context, time.Duration) error

	mRetries *prometheus.CounterVec
}

// NewRetryingClient returns a RetryingClient that sends calls to api.
// A zero conf.Base or conf.MaxRetries gets the default (4s and 8);
// a negative MaxRetries disables retries.
func NewRetryingClient(api EC2API, logger logrus.FieldLogger, conf axis.RetryConfig, reg *prometheus.Registry) *RetryingClient {
	rc := &RetryingClient{
		api:        api,
		logger:     logger,
		base:       conf.Base.Duration(),
		maxRetries: conf.MaxRetries,
		sleep:      sleepContext,
	}
	if rc.base <= 0 {
		rc.base = defaultRetryBase
	}
	if rc.maxRetries == 0 {
		rc.maxRetries = defaultMaxRetries
	} else if rc.maxRetries < 0 {
		rc.maxRetries = 0
	}
	rc.registerMetrics(reg)
	return rc
}

// SetSleepFunc replaces the function used to wait between retries.
// It is meant for tests.
func (rc *RetryingClient) SetSleepFunc(sleep func(context.Context, time.Duration) error) {
	rc.sleep = sleep
}

func (rc *RetryingClient) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	rc.mRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ec2axis",
		Subsystem: "cloud",
		Name:      "throttle_retries_total",
		Help:      "Number of cloud API calls retried after a throttling error.",
	}, []string{"operation"})
	reg.MustRegister(rc.mRetries)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retry[T any](ctx context.Context, rc *RetryingClient, op string, call func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		out, err := call()
		if err == nil || !IsThrottled(err) || attempt > rc.maxRetries {
			return out, err
		}
		wait := rc.base * time.Duration(attempt)
		rc.logger.WithFields(logrus.Fields{
			"Operation": op,
			"Attempt":   attempt,
			"Wait":      wait,
		}).Warnf("error 503 (%s) calling %s, retry %d/%d in %s", err, op, attempt, rc.maxRetries, wait)
		rc.mRetries.WithLabelValues(op).Inc()
		if err := rc.sleep(ctx, wait); err != nil {
			var zero T
			return zero, err
		}
	}
}

func (rc *RetryingClient) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return retry(ctx, rc, "DescribeInstances", func() (*ec2.DescribeInstancesOutput, error) {
		return rc.api.DescribeInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	return retry(ctx, rc, "StartInstances", func() (*ec2.StartInstancesOutput, error) {
		return rc.api.StartInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	return retry(ctx, rc, "StopInstances", func() (*ec2.StopInstancesOutput, error) {
		return rc.api.StopInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return retry(ctx, rc, "RunInstances", func() (*ec2.RunInstancesOutput, error) {
		return rc.api.RunInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return retry(ctx, rc, "TerminateInstances", func() (*ec2.TerminateInstancesOutput, error) {
		return rc.api.TerminateInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return retry(ctx, rc, "CreateTags", func() (*ec2.CreateTagsOutput, error) {
		return rc.api.CreateTags(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return retry(ctx, rc, "DescribeImages", func() (*ec2.DescribeImagesOutput, error) {
		return rc.api.DescribeImages(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return retry(ctx, rc, "DescribeSecurityGroups", func() (*ec2.DescribeSecurityGroupsOutput, error) {
		return rc.api.DescribeSecurityGroups(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return retry(ctx, rc, "DescribeSubnets", func() (*ec2.DescribeSubnetsOutput, error) {
		return rc.api.DescribeSubnets(ctx, in, opts...)
	})
}

func (rc *RetryingClient) RequestSpotInstances(ctx context.Context, in *ec2.RequestSpotInstancesInput, opts ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	return retry(ctx, rc, "RequestSpotInstances", func() (*ec2.RequestSpotInstancesOutput, error) {
		return rc.api.RequestSpotInstances(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeSpotInstanceRequests(ctx context.Context, in *ec2.DescribeSpotInstanceRequestsInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	return retry(ctx, rc, "DescribeSpotInstanceRequests", func() (*ec2.DescribeSpotInstanceRequestsOutput, error) {
		return rc.api.DescribeSpotInstanceRequests(ctx, in, opts...)
	})
}

func (rc *RetryingClient) CancelSpotInstanceRequests(ctx context.Context, in *ec2.CancelSpotInstanceRequestsInput, opts ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	return retry(ctx, rc, "CancelSpotInstanceRequests", func() (*ec2.CancelSpotInstanceRequestsOutput, error) {
		return rc.api.CancelSpotInstanceRequests(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	return retry(ctx, rc, "DescribeSpotPriceHistory", func() (*ec2.DescribeSpotPriceHistoryOutput, error) {
		return rc.api.DescribeSpotPriceHistory(ctx, in, opts...)
	})
}

func (rc *RetryingClient) DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, opts ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	return retry(ctx, rc, "DescribeKeyPairs", func() (*ec2.DescribeKeyPairsOutput, error) {
		return rc.api.DescribeKeyPairs(ctx, in, opts...)
	})
}

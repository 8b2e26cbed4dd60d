// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 constructs the EC2 API client used by the ec2axis
// service.
package ec2

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewClient returns an EC2 API client for the given configuration,
// wrapped in a cloud.RetryingClient.
//
// The SDK's own retry mechanism is disabled, so throttling errors
// are handled (and logged) only by the RetryingClient.
func NewClient(ctx context.Context, conf axis.EC2Config, retry axis.RetryConfig, logger logrus.FieldLogger, reg *prometheus.Registry) (*cloud.RetryingClient, error) {
	cfg, err := loadConfig(ctx, conf, logger)
	if err != nil {
		return nil, err
	}
	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		o.Retryer = aws.NopRetryer{}
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
	})
	return cloud.NewRetryingClient(client, logger.WithField("Region", cfg.Region), retry, reg), nil
}

func loadConfig(ctx context.Context, conf axis.EC2Config, logger logrus.FieldLogger) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(conf.Region),
		config.WithCredentialsCacheOptions(func(o *aws.CredentialsCacheOptions) {
			// Instance profile credentials are renewed at
			// least five minutes before they expire.
			o.ExpiryWindow = 5 * time.Minute
		}),
		func(o *config.LoadOptions) error {
			if conf.AccessKeyID == "" && conf.SecretAccessKey == "" {
				// Use default sdk behavior (env, shared
				// config, IAM / IMDS)
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     conf.AccessKeyID,
					SecretAccessKey: conf.SecretAccessKey,
					Source:          "ec2axis configuration",
				},
			}
			return nil
		},
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("error loading aws client config: %w", err)
	}
	return cfg, nil
}

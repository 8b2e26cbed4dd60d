// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"fmt"

	"git.arvados.org/ec2axis.git/lib/cloud/ec2"
	"git.arvados.org/ec2axis.git/lib/cmd"
	"git.arvados.org/ec2axis.git/lib/service"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the ec2axis service.
var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cfg *axis.Config, reg *prometheus.Registry) service.Handler {
	api, err := ec2.NewClient(ctx, cfg.EC2, cfg.CloudRetry, ctxlog.FromContext(ctx), reg)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing EC2 client: %w", err))
	}
	h := &Handler{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
		API:      api,
	}
	go h.Start()
	return h
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"git.arvados.org/ec2axis.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that could not be
// initialized. It is never healthy, it is already done, and it
// responds 503 with the error to every request. The error is logged
// once here and again for each request.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	return &errorHandler{err: err, logger: logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	httpserver.WriteError(w, eh.err, http.StatusServiceUnavailable)
}

func (eh *errorHandler) CheckHealth() error { return eh.err }

func (eh *errorHandler) Done() <-chan struct{} { return closedChan }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

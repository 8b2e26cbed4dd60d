// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package elastic wires the worker fleet, provisioners and allocation
// coordinator into the ec2axis HTTP service.
package elastic

import (
	"context"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/allocator"
	"git.arvados.org/ec2axis.git/lib/elastic/provision"
	"git.arvados.org/ec2axis.git/lib/elastic/taskrunner"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/auth"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"git.arvados.org/ec2axis.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	cancelTimeout = time.Minute
	adoptTimeout  = time.Minute
)

// Handler is the ec2axis service. It serves the management API and
// runs the boot timeout check.
type Handler struct {
	Config   *axis.Config
	Context  context.Context
	Registry *prometheus.Registry
	API      cloud.EC2API

	// Canceller is notified when a job's pending work must be
	// cancelled. If nil, a webhook canceller posting to
	// Config.CancelURL is used.
	Canceller Canceller

	// NewBootstrapper returns the bootstrapper for a pool's
	// workers. If nil, workers are bootstrapped over SSH.
	NewBootstrapper provision.BootstrapperFunc

	logger      logrus.FieldLogger
	runner      *taskrunner.Runner
	fleet       *worker.Fleet
	coord       *allocator.Coordinator
	httpHandler http.Handler

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the service. Start can be called multiple times with
// no ill effect.
func (h *Handler) Start() {
	h.setupOnce.Do(h.setup)
}

// ServeHTTP implements service.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Start()
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *Handler) CheckHealth() error {
	h.Start()
	return nil
}

// Done implements service.Handler.
func (h *Handler) Done() <-chan struct{} {
	h.Start()
	return h.stopped
}

// Close stops the timeout check and background tasks. Typically
// used in tests.
func (h *Handler) Close() {
	h.Start()
	select {
	case h.stop <- struct{}{}:
	default:
	}
	<-h.stopped
}

func (h *Handler) setup() {
	h.initialize()
	go h.run()
}

func (h *Handler) initialize() {
	if h.Context == nil {
		h.Context = context.Background()
	}
	h.logger = ctxlog.FromContext(h.Context)
	if h.Registry == nil {
		h.Registry = prometheus.NewRegistry()
	}
	h.stop = make(chan struct{}, 1)
	h.stopped = make(chan struct{})
	if h.Canceller == nil {
		h.Canceller = newWebhookCanceller(h.Config.CancelURL, h.Config.ManagementToken, h.logger)
	}
	if h.NewBootstrapper == nil {
		h.NewBootstrapper = func(pool axis.Pool) (worker.Bootstrapper, error) {
			return worker.NewSSHBootstrapper(pool, h.Config.AgentURL, h.Config.Supervisor.CommandTimeout.Duration())
		}
	}

	h.fleet = worker.NewFleet(h.logger, h.Registry)
	h.runner = taskrunner.New(h.logger, h.Config.Supervisor.MaxConcurrentTasks, h.Registry)
	sup := &worker.Supervisor{
		Runner:        h.runner,
		Logger:        h.logger,
		RetryInterval: h.Config.Supervisor.RetryInterval.Duration(),
		Resolve:       provision.AddressResolver(h.API),
	}
	sup.RegisterMetrics(h.Registry)
	tmpl := provision.NewTemplates(h.API)
	ondemand := &provision.OnDemand{
		API:             h.API,
		Fleet:           h.fleet,
		Templates:       tmpl,
		Supervisor:      sup,
		NewBootstrapper: h.NewBootstrapper,
	}
	ondemand.RegisterMetrics(h.Registry)
	spot := &provision.Spot{
		API:       h.API,
		Fleet:     h.fleet,
		Templates: tmpl,
		Supervisor: &provision.SpotSupervisor{
			API:          h.API,
			Runner:       h.runner,
			Supervisor:   sup,
			Logger:       h.logger,
			PollInterval: h.Config.Supervisor.SpotPollInterval.Duration(),
		},
		NewBootstrapper: h.NewBootstrapper,
	}
	spot.RegisterMetrics(h.Registry)
	matcher := &provision.Matcher{API: h.API, Fleet: h.fleet, Templates: tmpl}
	h.adopt(matcher)
	h.coord = &allocator.Coordinator{
		Config:   h.Config,
		Fleet:    h.fleet,
		Matcher:  matcher,
		OnDemand: ondemand,
		Spot:     spot,
		API:      h.API,
		Logger:   h.logger,
		Registry: h.Registry,
	}

	mux := httprouter.New()
	mux.HandlerFunc("POST", "/ec2axis/v1/allocate", h.apiAllocate)
	mux.HandlerFunc("POST", "/ec2axis/v1/jobs/:job/allocated", h.apiJobAllocated)
	mux.HandlerFunc("DELETE", "/ec2axis/v1/jobs/:job", h.apiJobFinished)
	mux.HandlerFunc("GET", "/ec2axis/v1/jobs", h.apiJobs)
	mux.HandlerFunc("GET", "/ec2axis/v1/workers", h.apiWorkers)
	mux.HandlerFunc("POST", "/ec2axis/v1/workers/:label/release", h.apiWorkerRelease)
	mux.HandlerFunc("GET", "/ec2axis/v1/pools/:pool/spot-price", h.apiSpotPrice)
	metricsH := promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
		ErrorLog: h.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	h.httpHandler = auth.RequireLiteralToken(h.Config.ManagementToken, mux)
}

// adopt registers running instances left by a previous run, so they
// are reused, or cleaned up when they fail. An error is logged but
// does not prevent startup.
func (h *Handler) adopt(matcher *provision.Matcher) {
	ctx, cancel := context.WithTimeout(h.Context, adoptTimeout)
	defer cancel()
	adopted, err := matcher.Adopt(ctx, h.Config, h.logger)
	if err != nil {
		h.logger.WithError(err).Error("error loading initial instance list")
		return
	}
	if len(adopted) > 0 {
		h.logger.WithField("N", len(adopted)).Info("adopted existing instances")
	}
}

func (h *Handler) run() {
	defer close(h.stopped)
	defer h.runner.Stop()

	var tick <-chan time.Time
	if interval := h.Config.TimeoutCheckInterval.Duration(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-h.stop:
			return
		case <-h.Context.Done():
			return
		case now := <-tick:
			if ids := h.coord.CheckTimeouts(now); len(ids) > 0 {
				h.logger.WithField("JobIDs", ids).Info("cancelled jobs after boot timeout")
			}
		}
	}
}

// cancelFunc returns the Cancel callback for an allocation request.
func (h *Handler) cancelFunc(jobID string, logger logrus.FieldLogger) func(string) {
	return func(reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := h.Canceller.Cancel(ctx, jobID, reason); err != nil {
			logger.WithError(err).Error("error cancelling job")
		}
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"

	"git.arvados.org/ec2axis.git/lib/cmd"
	"git.arvados.org/ec2axis.git/lib/config"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"git.arvados.org/ec2axis.git/sdk/go/health"
	"git.arvados.org/ec2axis.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *axis.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler with the loaded config, and brings up an http server
// with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")
	cfg, code := c.loadConfig(prog, args, stdin, stdout, stderr, log)
	if cfg == nil {
		return code
	}

	// Replace the bootstrap logger now that the logging config
	// is known.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithField("PID", os.Getpid())
	ctx := ctxlog.Context(c.ctx, logger)

	handler := c.newHandler(ctx, cfg, newRegistry())
	if err := handler.CheckHealth(); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	if err := serve(ctx, cfg.Listen, handler, logger); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

// loadConfig parses flags and loads the config file. It returns nil
// and an exit code if the program should exit instead of running the
// service.
func (c *command) loadConfig(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer, log *logrus.Logger) (*axis.Config, int) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return nil, code
	} else if *versionFlag {
		return nil, cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}
	cfg, err := loader.Load()
	if err != nil {
		log.WithError(err).Error("exiting")
		return nil, 1
	}
	return cfg, 0
}

// newRegistry returns a metrics registry with the Go runtime, process
// and version metrics already registered.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	// ec2axis_version_running{version="1.2.3 (go1.21.10)"} 1
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ec2axis",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
	return reg
}

// serve runs an HTTP server for handler until ctx is done or the
// handler shuts itself down.
func serve(ctx context.Context, listen string, handler Handler, logger logrus.FieldLogger) error {
	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(
				httpserver.LogRequests(logger,
					interceptHealthReqs(handler.CheckHealth, handler))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listen,
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-handler.Done():
		}
		srv.Close()
	}()
	return srv.Wait()
}

// interceptHealthReqs serves health checks without authentication,
// and passes all other requests to next.
func interceptHealthReqs(checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	mux.MethodNotAllowed = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}

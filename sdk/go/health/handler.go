// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves health check endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"git.arvados.org/ec2axis.git/sdk/go/auth"
	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes maps check names to health-check functions.
type Routes map[string]Func

// Response is the body of a health check response.
type Response struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`

	// Checks holds the individual results of the "all" check.
	Checks map[string]Response `json:"checks,omitempty"`
}

// Handler serves GET {Prefix}{name} by calling Routes[name], and
// responds with {"health":"OK"} or {"health":"ERROR","error":"..."}
// and status 503.
//
// "ping" is always healthy unless Routes overrides it. "all" runs
// every check and is healthy only if they all are.
type Handler struct {
	// Bearer token required for every check. If empty, checks
	// are served without authentication.
	Token string

	// Path prefix, typically "/_health/".
	Prefix string

	Routes Routes

	setupOnce sync.Once
	handler   http.Handler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	mux := httprouter.New()
	mux.HandlerFunc("GET", prefix+":check", h.serveCheck)
	h.handler = mux
	if h.Token != "" {
		h.handler = auth.RequireLiteralToken(h.Token, mux)
	}
}

func (h *Handler) serveCheck(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("check")
	var resp Response
	if fn, ok := h.Routes[name]; ok {
		resp = result(fn)
	} else if name == "ping" {
		resp = Response{Health: "OK"}
	} else if name == "all" {
		resp = h.all()
	} else {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Health != "OK" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) all() Response {
	names := make([]string, 0, len(h.Routes))
	for name := range h.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := Response{Health: "OK", Checks: map[string]Response{}}
	for _, name := range names {
		r := result(h.Routes[name])
		resp.Checks[name] = r
		if r.Health != "OK" {
			resp.Health = "ERROR"
		}
	}
	return resp
}

func result(fn Func) Response {
	if err := fn(); err != nil {
		return Response{Health: "ERROR", Error: err.Error()}
	}
	return Response{Health: "OK"}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker tracks leased worker instances and supervises new
// ones until their agents connect.
package worker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Fleet is the in-memory view of all workers known to the service,
// keyed by label.
type Fleet struct {
	logger logrus.FieldLogger

	mtx        sync.Mutex
	workers    map[string]*Worker
	byInstance map[string]*Worker
	lastNumber map[string]int

	mWorkers *prometheus.GaugeVec
}

// NewFleet returns an empty Fleet. Metrics are registered with reg,
// if it is not nil.
func NewFleet(logger logrus.FieldLogger, reg *prometheus.Registry) *Fleet {
	f := &Fleet{
		logger:     logger,
		workers:    map[string]*Worker{},
		byInstance: map[string]*Worker{},
		lastNumber: map[string]int{},
	}
	f.registerMetrics(reg)
	return f
}

func (f *Fleet) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f.mWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ec2axis",
		Name:      "workers",
		Help:      "Number of workers, by pool and state.",
	}, []string{"pool", "state"})
	reg.MustRegister(f.mWorkers)
}

// caller must have lock.
func (f *Fleet) stateChanged(w *Worker, from, to State) {
	f.mWorkers.WithLabelValues(w.pool, from.String()).Dec()
	f.mWorkers.WithLabelValues(w.pool, to.String()).Inc()
}

// caller must have lock.
func (f *Fleet) indexInstance(w *Worker, instanceID string) {
	if instanceID != "" {
		f.byInstance[instanceID] = w
	}
}

// Create adds a new worker to the named pool, with the next unused
// label number, in the given state.
func (f *Fleet) Create(pool string, state State) *Worker {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.lastNumber[pool]++
	return f.add(axis.Label(pool, f.lastNumber[pool]), pool, state)
}

// Register adds a worker with a known label, e.g., capacity that
// was provisioned before the service started. It returns an error
// if the label is malformed or already in use.
func (f *Fleet) Register(label, instanceID, address string, state State) (*Worker, error) {
	pool, n, err := axis.ParseLabel(label)
	if err != nil {
		return nil, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, exists := f.workers[label]; exists {
		return nil, fmt.Errorf("label %q is already in use", label)
	}
	if n > f.lastNumber[pool] {
		f.lastNumber[pool] = n
	}
	w := f.add(label, pool, state)
	w.instanceID, w.name, w.address = instanceID, instanceID, address
	f.indexInstance(w, instanceID)
	return w, nil
}

// caller must have lock.
func (f *Fleet) add(label, pool string, state State) *Worker {
	now := time.Now()
	w := &Worker{
		label:   label,
		pool:    pool,
		created: now,
		updated: now,
		fleet:   f,
		mtx:     &f.mtx,
		state:   state,
	}
	if state == StateLaunching {
		w.launched = now
	}
	f.workers[label] = w
	f.mWorkers.WithLabelValues(pool, state.String()).Inc()
	return w
}

// Get returns the worker with the given label, or nil.
func (f *Fleet) Get(label string) *Worker {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.workers[label]
}

// FindInstance returns the worker backed by the given instance, or
// nil.
func (f *Fleet) FindInstance(instanceID string) *Worker {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.byInstance[instanceID]
}

// ReserveIdle changes up to n idle workers of the named pool to
// StateReserved, and returns them in label order. Only workers in
// StateIdle are eligible: workers that are still launching or
// connecting are not considered available.
func (f *Fleet) ReserveIdle(pool string, n int) []*Worker {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var idle []*Worker
	for _, w := range f.workers {
		if w.pool == pool && w.state == StateIdle {
			idle = append(idle, w)
		}
	}
	sortByLabel(idle)
	if len(idle) > n {
		idle = idle[:n]
	}
	for _, w := range idle {
		w.setState(StateReserved, nil)
	}
	return idle
}

// Release returns a leased worker to StateIdle so it can be reused
// by a later allocation.
func (f *Fleet) Release(label string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	w := f.workers[label]
	if w == nil {
		return fmt.Errorf("no worker with label %q", label)
	}
	switch w.state {
	case StateIdle:
		return nil
	case StateReserved, StateConnected:
		w.jobID, w.slot = "", 0
		w.setState(StateIdle, nil)
		return nil
	default:
		return fmt.Errorf("cannot release worker %q in state %s", label, w.state)
	}
}

// Forget removes a worker from the fleet. Its label number is not
// reused.
func (f *Fleet) Forget(label string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	w := f.workers[label]
	if w == nil {
		return
	}
	f.mWorkers.WithLabelValues(w.pool, w.state.String()).Dec()
	delete(f.workers, label)
	if w.instanceID != "" && f.byInstance[w.instanceID] == w {
		delete(f.byInstance, w.instanceID)
	}
}

// Workers returns a snapshot of all workers, sorted by label.
func (f *Fleet) Workers() []View {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var ws []*Worker
	for _, w := range f.workers {
		ws = append(ws, w)
	}
	sortByLabel(ws)
	views := make([]View, 0, len(ws))
	for _, w := range ws {
		views = append(views, w.view())
	}
	return views
}

// CountByState returns the number of workers in the named pool in
// each state.
func (f *Fleet) CountByState(pool string) map[State]int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	n := map[State]int{}
	for _, w := range f.workers {
		if w.pool == pool {
			n[w.state]++
		}
	}
	return n
}

// sortByLabel sorts workers by pool name, then worker number.
func sortByLabel(ws []*Worker) {
	num := func(w *Worker) int {
		_, n, _ := axis.ParseLabel(w.label)
		return n
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].pool != ws[j].pool {
			return ws[i].pool < ws[j].pool
		}
		return num(ws[i]) < num(ws[j])
	})
}

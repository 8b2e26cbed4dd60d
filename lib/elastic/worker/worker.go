// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"fmt"
	"sync"
	"time"
)

// State indicates whether a worker is available to lease, and (if
// not) how far it is from accepting work.
type State int

const (
	StateIdle                 State = iota // connected, not leased to any job
	StateReserved                          // leased to a job, not yet (or no longer) launching
	StateLaunching                         // cloud instance requested or starting
	StateAwaitingReachability              // instance exists, agent not yet connected
	StateConnected                         // agent connected, leased to a job
	StateFailed                            // gave up; terminal
)

var stateString = map[State]string{
	StateIdle:                 "idle",
	StateReserved:             "reserved",
	StateLaunching:            "launching",
	StateAwaitingReachability: "awaiting-reachability",
	StateConnected:            "connected",
	StateFailed:               "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, str := range stateString {
		if str == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// A Worker is one leased unit of capacity, backed by a cloud
// instance once the instance is known.
//
// Label and Pool never change. The other fields are modified only by
// the task that currently supervises the worker, and are guarded by
// the owning Fleet's lock.
type Worker struct {
	label   string
	pool    string
	created time.Time
	fleet   *Fleet

	mtx           sync.Locker // must be fleet's Locker.
	name          string
	instanceID    string
	spotRequestID string
	address       string
	state         State
	slot          int
	jobID         string
	launched      time.Time
	updated       time.Time
	lastErr       error
}

// View is a snapshot of a worker, suitable for JSON encoding.
type View struct {
	Label         string    `json:"label"`
	Pool          string    `json:"pool"`
	Name          string    `json:"name"`
	InstanceID    string    `json:"instance_id,omitempty"`
	SpotRequestID string    `json:"spot_request_id,omitempty"`
	Address       string    `json:"address,omitempty"`
	State         State     `json:"state"`
	Slot          int       `json:"slot,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	Created       time.Time `json:"created"`
	LastUpdate    time.Time `json:"last_update"`
	LastError     string    `json:"last_error,omitempty"`
}

func (w *Worker) Label() string { return w.label }
func (w *Worker) Pool() string  { return w.pool }

func (w *Worker) Name() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.name
}

func (w *Worker) InstanceID() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.instanceID
}

func (w *Worker) SpotRequestID() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.spotRequestID
}

// Address returns the instance's private IP address, or "" if not
// known yet.
func (w *Worker) Address() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.address
}

func (w *Worker) State() State {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.state
}

// Slot returns the worker's 1-based position in the allocation
// that leased it. It is exported to the agent as MATRIX_EXEC_ID.
func (w *Worker) Slot() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.slot
}

func (w *Worker) JobID() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.jobID
}

// LaunchedAt returns the time the worker last entered
// StateLaunching. Boot timeouts are measured from this time.
func (w *Worker) LaunchedAt() time.Time {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.launched
}

func (w *Worker) LastError() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.lastErr
}

// SetInstance records the backing instance. If the worker has no
// name yet, the instance ID becomes its name.
func (w *Worker) SetInstance(instanceID, address string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.instanceID = instanceID
	if address != "" {
		w.address = address
	}
	if w.name == "" {
		w.name = instanceID
	}
	w.updated = time.Now()
	w.fleet.indexInstance(w, instanceID)
}

func (w *Worker) SetAddress(address string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.address = address
	w.updated = time.Now()
}

// SetSpotRequest records the spot request that will provide the
// worker's instance, and names the worker after it.
func (w *Worker) SetSpotRequest(name, spotRequestID string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.name = name
	w.spotRequestID = spotRequestID
	w.updated = time.Now()
}

// Assign leases the worker to a job, at the given slot.
func (w *Worker) Assign(jobID string, slot int) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.jobID = jobID
	w.slot = slot
	w.updated = time.Now()
}

func (w *Worker) SetLastError(err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.lastErr = err
}

// SetState changes the worker's state. A failed worker stays failed:
// SetState returns false and does nothing in that case, and when the
// worker is already in the given state.
func (w *Worker) SetState(state State, err error) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.setState(state, err)
}

// CompareAndSetState changes the worker's state to "to" if its
// current state is "from", and returns true if it did.
func (w *Worker) CompareAndSetState(from, to State) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.state != from {
		return false
	}
	return w.setState(to, nil)
}

// caller must have lock.
func (w *Worker) setState(state State, err error) bool {
	if w.state == StateFailed || w.state == state {
		return false
	}
	w.fleet.stateChanged(w, w.state, state)
	w.state = state
	if err != nil {
		w.lastErr = err
	}
	w.updated = time.Now()
	if state == StateLaunching {
		w.launched = w.updated
	}
	return true
}

// View returns a snapshot of the worker.
func (w *Worker) View() View {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.view()
}

// caller must have lock.
func (w *Worker) view() View {
	v := View{
		Label:         w.label,
		Pool:          w.pool,
		Name:          w.name,
		InstanceID:    w.instanceID,
		SpotRequestID: w.spotRequestID,
		Address:       w.address,
		State:         w.state,
		Slot:          w.slot,
		JobID:         w.jobID,
		Created:       w.created,
		LastUpdate:    w.updated,
	}
	if w.lastErr != nil {
		v.LastError = w.lastErr.Error()
	}
	return v
}

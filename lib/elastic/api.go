// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"git.arvados.org/ec2axis.git/lib/cloud"
	"git.arvados.org/ec2axis.git/lib/elastic/allocator"
	"git.arvados.org/ec2axis.git/lib/elastic/provision"
	"git.arvados.org/ec2axis.git/lib/elastic/worker"
	"git.arvados.org/ec2axis.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

type allocateRequest struct {
	JobID         string `json:"job"`
	Pool          string `json:"pool"`
	Count         int    `json:"count"`
	BootTimeoutMS int64  `json:"boot_timeout_ms"`
}

type allocateResponse struct {
	Labels []string `json:"labels"`
}

// Management API: allocate workers for a job.
func (h *Handler) apiAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.BootTimeoutMS < 0 {
		httpserver.Error(w, "boot_timeout_ms must not be negative", http.StatusBadRequest)
		return
	}
	logger := httpserver.Logger(r).WithFields(logrus.Fields{"JobID": req.JobID, "Pool": req.Pool})
	labels, err := h.coord.Allocate(r.Context(), allocator.Request{
		JobID:       req.JobID,
		Pool:        req.Pool,
		Count:       req.Count,
		BootTimeout: time.Duration(req.BootTimeoutMS) * time.Millisecond,
		Cancel:      h.cancelFunc(req.JobID, logger),
		Logger:      logger,
	})
	if err != nil {
		httpserver.WriteError(w, withStatus(err), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(allocateResponse{Labels: labels})
}

// withStatus attaches the HTTP status for a coordinator or cloud
// error. Errors without a known cause are reported as 502.
func withStatus(err error) error {
	var pbe *provision.PartialBatchError
	switch {
	case errors.Is(err, allocator.ErrInvalidRequest), errors.Is(err, provision.ErrInvalidConfig):
		return httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	case errors.Is(err, allocator.ErrUnknownPool), errors.Is(err, allocator.ErrUnknownJob), errors.Is(err, cloud.ErrNoPriceHistory):
		return httpserver.ErrorWithStatus(err, http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpserver.ErrorWithStatus(err, http.StatusServiceUnavailable)
	case errors.As(err, &pbe):
		return httpserver.ErrorWithStatus(err, http.StatusBadGateway)
	default:
		return err
	}
}

// Management API: the job's workers are all connected.
func (h *Handler) apiJobAllocated(w http.ResponseWriter, r *http.Request) {
	job := httprouter.ParamsFromContext(r.Context()).ByName("job")
	if err := h.coord.MarkAllocated(job); err != nil {
		httpserver.WriteError(w, withStatus(err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: the job is finished, its workers can be reused.
func (h *Handler) apiJobFinished(w http.ResponseWriter, r *http.Request) {
	job := httprouter.ParamsFromContext(r.Context()).ByName("job")
	if err := h.coord.JobFinished(job); err != nil {
		httpserver.WriteError(w, withStatus(err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Management API: IDs of jobs with outstanding allocations.
func (h *Handler) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []string `json:"items"`
	}
	resp.Items = h.coord.Jobs()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Management API: all workers in the fleet.
func (h *Handler) apiWorkers(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []worker.View `json:"items"`
	}
	resp.Items = h.fleet.Workers()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Management API: return one worker to the idle pool.
func (h *Handler) apiWorkerRelease(w http.ResponseWriter, r *http.Request) {
	label := httprouter.ParamsFromContext(r.Context()).ByName("label")
	if h.fleet.Get(label) == nil {
		httpserver.Error(w, fmt.Sprintf("no worker with label %q", label), http.StatusNotFound)
		return
	}
	if err := h.coord.Release(label); err != nil {
		httpserver.WriteError(w, err, http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type spotPriceResponse struct {
	Pool         string    `json:"pool"`
	InstanceType string    `json:"instance_type"`
	Zone         string    `json:"zone,omitempty"`
	Price        float64   `json:"price"`
	Since        time.Time `json:"since"`
}

// Management API: current spot price for a pool's instance type.
func (h *Handler) apiSpotPrice(w http.ResponseWriter, r *http.Request) {
	pool, err := h.Config.GetPool(httprouter.ParamsFromContext(r.Context()).ByName("pool"))
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	price, err := cloud.CurrentSpotPrice(r.Context(), h.API, pool.InstanceType, pool.Zone)
	if err != nil {
		httpserver.WriteError(w, withStatus(err), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spotPriceResponse{
		Pool:         pool.Name,
		InstanceType: pool.InstanceType,
		Zone:         pool.Zone,
		Price:        price.Price,
		Since:        price.StartTime,
	})
}

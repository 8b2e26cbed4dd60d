// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the client subcommands of the ec2axis
// program, which call the management API of a running service.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Client calls the ec2axis management API.
type Client struct {
	// Base URL of the service, like "https://ec2axis.example:9007".
	Server string
	// Management token.
	Token string
	// Logger receives request retry messages. If nil, retries
	// are not logged.
	Logger logrus.FieldLogger

	client *retryablehttp.Client
}

// apiError is the error returned for a non-2xx response.
type apiError struct {
	status int
	errors []string
}

func (e *apiError) Error() string {
	if len(e.errors) == 0 {
		return fmt.Sprintf("server responded %d %s", e.status, http.StatusText(e.status))
	}
	return fmt.Sprintf("server responded %d: %s", e.status, strings.Join(e.errors, "; "))
}

func (e *apiError) HTTPStatus() int { return e.status }

func (cl *Client) httpClient() *retryablehttp.Client {
	if cl.client == nil {
		cl.client = retryablehttp.NewClient()
		cl.client.RetryMax = 3
		cl.client.RetryWaitMin = 500 * time.Millisecond
		cl.client.RetryWaitMax = 5 * time.Second
		cl.client.Logger = cl.Logger
		// Return 5xx responses to the caller after the last
		// retry, so their error messages can be reported.
		cl.client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}
	return cl.client
}

// RequestAndDecode sends a request with the given JSON body (if not
// nil) and decodes the JSON response into dst (if not nil).
func (cl *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, body interface{}) error {
	if cl.Server == "" {
		return errors.New("server URL is not set")
	}
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, strings.TrimSuffix(cl.Server, "/")+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.Token)
	}
	resp, err := cl.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		aerr := &apiError{status: resp.StatusCode}
		var errResp struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(buf, &errResp) == nil {
			aerr.errors = errResp.Errors
		}
		return aerr
	}
	if dst == nil || len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, dst)
}

// Allocate asks the service for count workers of the named pool and
// returns their labels. A zero bootTimeout uses the pool's default.
func (cl *Client) Allocate(ctx context.Context, job, pool string, count int, bootTimeout time.Duration) ([]string, error) {
	var resp struct {
		Labels []string `json:"labels"`
	}
	err := cl.RequestAndDecode(ctx, &resp, "POST", "/ec2axis/v1/allocate", map[string]interface{}{
		"job":             job,
		"pool":            pool,
		"count":           count,
		"boot_timeout_ms": bootTimeout.Milliseconds(),
	})
	return resp.Labels, err
}

// JobAllocated reports that all of the job's workers are in use.
func (cl *Client) JobAllocated(ctx context.Context, job string) error {
	return cl.RequestAndDecode(ctx, nil, "POST", "/ec2axis/v1/jobs/"+job+"/allocated", nil)
}

// JobFinished releases the job's workers.
func (cl *Client) JobFinished(ctx context.Context, job string) error {
	return cl.RequestAndDecode(ctx, nil, "DELETE", "/ec2axis/v1/jobs/"+job, nil)
}

// Release returns one worker to the idle pool.
func (cl *Client) Release(ctx context.Context, label string) error {
	return cl.RequestAndDecode(ctx, nil, "POST", "/ec2axis/v1/workers/"+label+"/release", nil)
}

// Worker is one entry of the service's worker list.
type Worker struct {
	Label      string    `json:"label"`
	Pool       string    `json:"pool"`
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id,omitempty"`
	Address    string    `json:"address,omitempty"`
	State      string    `json:"state"`
	Slot       int       `json:"slot,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	LastUpdate time.Time `json:"last_update"`
	LastError  string    `json:"last_error,omitempty"`
}

// Workers returns the service's worker list.
func (cl *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := cl.RequestAndDecode(ctx, &resp, "GET", "/ec2axis/v1/workers", nil)
	return resp.Items, err
}

// SpotPriceResponse is the current spot price of a pool's instance
// type.
type SpotPriceResponse struct {
	Pool         string    `json:"pool"`
	InstanceType string    `json:"instance_type"`
	Zone         string    `json:"zone,omitempty"`
	Price        float64   `json:"price"`
	Since        time.Time `json:"since"`
}

// SpotPrice returns the current spot price for the named pool.
func (cl *Client) SpotPrice(ctx context.Context, pool string) (SpotPriceResponse, error) {
	var resp SpotPriceResponse
	err := cl.RequestAndDecode(ctx, &resp, "GET", "/ec2axis/v1/pools/"+pool+"/spot-price", nil)
	return resp, err
}

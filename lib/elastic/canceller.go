// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// A Canceller cancels a job's queued work, typically by notifying
// the build controller.
type Canceller interface {
	Cancel(ctx context.Context, jobID, reason string) error
}

// CancelFunc is a Canceller implemented by a func.
type CancelFunc func(ctx context.Context, jobID, reason string) error

func (f CancelFunc) Cancel(ctx context.Context, jobID, reason string) error {
	return f(ctx, jobID, reason)
}

type webhookCanceller struct {
	url    string
	token  string
	client *retryablehttp.Client
	logger logrus.FieldLogger
}

// newWebhookCanceller returns a Canceller that posts
// {"job":...,"reason":...} to url. If url is empty, cancellations
// are only logged.
func newWebhookCanceller(url, token string, logger logrus.FieldLogger) Canceller {
	if url == "" {
		return CancelFunc(func(_ context.Context, jobID, reason string) error {
			logger.WithFields(logrus.Fields{
				"JobID":  jobID,
				"Reason": reason,
			}).Warn("no CancelURL configured, not notifying build controller")
			return nil
		})
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = logger
	return &webhookCanceller{
		url:    url,
		token:  token,
		client: client,
		logger: logger,
	}
}

func (wc *webhookCanceller) Cancel(ctx context.Context, jobID, reason string) error {
	body, err := json.Marshal(map[string]string{"job": jobID, "reason": reason})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", wc.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if wc.token != "" {
		req.Header.Set("Authorization", "Bearer "+wc.token)
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request for job %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel request for job %s: %s", jobID, resp.Status)
	}
	wc.logger.WithField("JobID", jobID).Info("build controller accepted cancellation")
	return nil
}

var _ Canceller = (*webhookCanceller)(nil)

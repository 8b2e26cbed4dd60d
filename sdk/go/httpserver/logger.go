// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Maximum bytes of an error response body to include in the log.
const sniffBytes = 1024

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request logger is attached to the
// request context, where ctxlog.FromContext finds it.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, start: time.Now()}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer rec.log(lgr)
		h.ServeHTTP(rec, req)
	})
}

// Logger returns the logger attached to the request by LogRequests.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

// responseRecorder passes the response through to the client, noting
// the status, size and timing, and the start of any error body.
type responseRecorder struct {
	http.ResponseWriter
	start   time.Time
	status  int
	header  time.Time
	bytes   int
	errBody []byte
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
		rr.header = time.Now()
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.WriteHeader(http.StatusOK)
	}
	if rr.status >= 400 && len(rr.errBody) < sniffBytes {
		keep := p
		if room := sniffBytes - len(rr.errBody); len(keep) > room {
			keep = keep[:room]
		}
		rr.errBody = append(rr.errBody, keep...)
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *responseRecorder) log(lgr logrus.FieldLogger) {
	done := time.Now()
	status := rr.status
	if status == 0 {
		status = http.StatusOK
		rr.header = done
	}
	lgr = lgr.WithFields(logrus.Fields{
		"respStatusCode": status,
		"respStatus":     http.StatusText(status),
		"respBytes":      rr.bytes,
		"timeTotal":      done.Sub(rr.start).Seconds(),
		"timeToStatus":   rr.header.Sub(rr.start).Seconds(),
		"timeWriteBody":  done.Sub(rr.header).Seconds(),
	})
	if status >= 400 {
		lgr = lgr.WithField("respBody", string(rr.errBody))
	}
	lgr.Info("response")
}

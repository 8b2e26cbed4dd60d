// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error that knows which HTTP status it should
// be reported with.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// StatusError attaches an HTTP status to an error.
type StatusError struct {
	Err    error
	Status int
}

func (se *StatusError) Error() string   { return se.Err.Error() }
func (se *StatusError) Unwrap() error   { return se.Err }
func (se *StatusError) HTTPStatus() int { return se.Status }

// Errorf returns a StatusError with a formatted message. The %w verb
// works as with fmt.Errorf.
func Errorf(status int, tmpl string, args ...interface{}) error {
	return &StatusError{Err: fmt.Errorf(tmpl, args...), Status: status}
}

// ErrorWithStatus returns err with the given HTTP status attached.
func ErrorWithStatus(err error, status int) error {
	return &StatusError{Err: err, Status: status}
}

// StatusOf returns the HTTP status carried by err, or fallback if
// err does not carry one.
func StatusOf(err error, fallback int) int {
	var se HTTPStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return fallback
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// WriteError sends err as an error response, with the status from
// StatusOf(err, fallback).
func WriteError(w http.ResponseWriter, err error, fallback int) {
	Error(w, err.Error(), StatusOf(err, fallback))
}

func Error(w http.ResponseWriter, msg string, code int) {
	Errors(w, []string{msg}, code)
}

func Errors(w http.ResponseWriter, msgs []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: msgs})
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"errors"
	"net"
	"net/http"
	"sync"
)

// Server is an http.Server that listens synchronously in Start, so
// callers (and tests using ":0") know the real listening address as
// soon as Start returns.
type Server struct {
	http.Server
	Addr string // host:port; updated by Start

	listener  net.Listener
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Start listens on Addr and serves requests in a new goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections and waits for Serve to return.
// Requests already in progress are not interrupted.
func (srv *Server) Close() error {
	if srv.listener == nil {
		return nil
	}
	srv.closeOnce.Do(func() { srv.listener.Close() })
	return srv.Wait()
}

// Wait returns after the server stops, with the error that stopped
// it, if any.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}

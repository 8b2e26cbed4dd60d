// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshexecutor runs one-shot commands on worker instances
// over SSH with public key authentication.
package sshexecutor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("instance has no address")

const (
	defaultPort        = "22"
	defaultDialTimeout = time.Minute
)

// An Executor connects to a host, runs one command, and hangs up.
// The zero value is not usable: Signers and User must be set.
type Executor struct {
	User    string
	Signers []ssh.Signer

	// Port is used when the address passed to Execute has no
	// port. Default "22".
	Port string

	// DialTimeout bounds the TCP connect and SSH handshake.
	// Default one minute.
	DialTimeout time.Duration

	// HostKeyCallback checks the server's host key. If nil, any
	// key is accepted: a new instance's host key is not known in
	// advance.
	HostKeyCallback ssh.HostKeyCallback
}

// Execute runs cmd on the host at addr, with the given environment
// variables set in the session.
//
// If ctx is done before the command finishes, the connection is
// closed and ctx.Err() is returned. A command that exits non-zero
// returns an *ssh.ExitError, along with whatever it wrote.
func (exr *Executor) Execute(ctx context.Context, addr string, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	client, err := exr.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		client.Close()
		return nil, nil, ctx.Err()
	}
}

// HostPort returns addr with the executor's port added if addr has
// none.
func (exr *Executor) HostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := exr.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(addr, port)
}

func (exr *Executor) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	if addr == "" {
		return nil, ErrNoAddress
	}
	addr = exr.HostPort(addr)
	timeout := exr.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	hostKeyCallback := exr.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Abandon the handshake if ctx is done or the timeout passes.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            exr.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(exr.Signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		c.Close()
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

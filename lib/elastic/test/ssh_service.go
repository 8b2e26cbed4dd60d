// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// An SSHExecFunc handles one "exec" request and returns the
// command's exit status.
type SSHExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// SSHService is an SSH server on a loopback port, standing in for a
// worker instance. Each "exec" request is passed to Exec.
type SSHService struct {
	Exec           SSHExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	// RejectEnv refuses all "env" requests, like an sshd whose
	// AcceptEnv does not list the variable.
	RejectEnv bool

	mtx    sync.Mutex
	ln     net.Listener
	execs  int
	config *ssh.ServerConfig
}

// Start listens on an available port. Connections are served in the
// background until Close.
func (ss *SSHService) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	ss.config = &ssh.ServerConfig{PublicKeyCallback: ss.authorize}
	ss.config.AddHostKey(ss.HostKey)
	ss.mtx.Lock()
	ss.ln = ln
	ss.mtx.Unlock()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go ss.serve(conn)
		}
	}()
	return nil
}

// Address returns the host:port where the server is listening, or
// "" if it has not been started.
func (ss *SSHService) Address() string {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.ln == nil {
		return ""
	}
	return ss.ln.Addr().String()
}

// Host returns the listening address without the port.
func (ss *SSHService) Host() string {
	host, _, _ := net.SplitHostPort(ss.Address())
	return host
}

// Port returns the listening port.
func (ss *SSHService) Port() string {
	_, port, _ := net.SplitHostPort(ss.Address())
	return port
}

// Execs returns the number of exec requests received so far.
func (ss *SSHService) Execs() int {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return ss.execs
}

// Close stops accepting connections. Established connections are
// unaffected.
func (ss *SSHService) Close() {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.ln != nil {
		ss.ln.Close()
	}
}

func (ss *SSHService) authorize(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if meta.User() != ss.AuthorizedUser {
		return nil, fmt.Errorf("unknown user %q", meta.User())
	}
	for _, ak := range ss.AuthorizedKeys {
		if bytes.Equal(ak.Marshal(), key.Marshal()) {
			return &ssh.Permissions{}, nil
		}
	}
	return nil, errors.New("public key not authorized")
}

func (ss *SSHService) serve(nconn net.Conn) {
	defer nconn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nconn, ss.config)
	if err != nil {
		// Some tests expect authentication to fail.
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range chans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			return
		}
		go ss.session(ch, reqs)
	}
}

// session handles "env" requests until an "exec" request arrives,
// then runs the command and rejects further requests.
func (ss *SSHService) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	env := map[string]string{}
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if ss.RejectEnv || ssh.Unmarshal(req.Payload, &kv) != nil {
				req.Reply(false, nil)
				continue
			}
			env[kv.Name] = kv.Value
			req.Reply(true, nil)
		case "exec":
			var exec struct{ Command string }
			if ssh.Unmarshal(req.Payload, &exec) != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			ss.mtx.Lock()
			ss.execs++
			ss.mtx.Unlock()
			go func() {
				status := ss.Exec(env, exec.Command, ch, ch, ch.Stderr())
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				ch.Close()
			}()
			for req := range reqs {
				req.Reply(false, nil)
			}
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"git.arvados.org/ec2axis.git/lib/elastic/sshexecutor"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"golang.org/x/crypto/ssh"
)

// DefaultBootstrapCommand fetches the agent from the controller and
// starts it in the background.
const DefaultBootstrapCommand = `wget {{.AgentURL}}jnlpJars/slave.jar -O slave.jar && nohup java -jar slave.jar -jnlpUrl "{{.AgentURL}}computer/{{.Name}}/slave-agent.jnlp" > slave.log 2> slave.err </dev/null &`

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultRemoteUser     = "ec2-user"
)

// SSHBootstrapper starts a worker's agent by running the pool's
// bootstrap command over SSH.
type SSHBootstrapper struct {
	pool           axis.Pool
	agentURL       string
	commandTimeout time.Duration
	signer         ssh.Signer
	command        *template.Template
}

// NewSSHBootstrapper returns a bootstrapper for workers of the given
// pool. It returns an error if the pool's private key or bootstrap
// command cannot be parsed.
func NewSSHBootstrapper(pool axis.Pool, agentURL string, commandTimeout time.Duration) (*SSHBootstrapper, error) {
	if pool.PrivateKey == "" {
		return nil, fmt.Errorf("pool %q has no PrivateKey", pool.Name)
	}
	signer, err := ssh.ParsePrivateKey([]byte(pool.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("pool %q: error parsing PrivateKey: %w", pool.Name, err)
	}
	src := pool.BootstrapCommand
	if src == "" {
		src = DefaultBootstrapCommand
	}
	tmpl, err := template.New(pool.Name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("pool %q: error parsing BootstrapCommand: %w", pool.Name, err)
	}
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}
	if agentURL != "" && !strings.HasSuffix(agentURL, "/") {
		agentURL += "/"
	}
	return &SSHBootstrapper{
		pool:           pool,
		agentURL:       agentURL,
		commandTimeout: commandTimeout,
		signer:         signer,
		command:        tmpl,
	}, nil
}

// commandData is the data available to a bootstrap command
// template.
type commandData struct {
	AgentURL     string
	Name         string // URL path escaped
	Label        string
	Slot         int
	NumExecutors int
}

// Command returns the bootstrap command for w, rendered from the
// pool's template.
func (b *SSHBootstrapper) Command(w *Worker) (string, error) {
	var buf bytes.Buffer
	err := b.command.Execute(&buf, commandData{
		AgentURL:     b.agentURL,
		Name:         url.PathEscape(w.Name()),
		Label:        w.Label(),
		Slot:         w.Slot(),
		NumExecutors: b.numExecutors(),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// remoteCommand prefixes the bootstrap command with the slot
// variables. They are exported by the remote shell rather than sent
// as SSH env requests, which sshd refuses unless AcceptEnv lists
// them.
func (b *SSHBootstrapper) remoteCommand(w *Worker) (string, error) {
	cmd, err := b.Command(w)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("export MATRIX_EXEC_ID=%d NUM_EXECUTORS=%d; %s", w.Slot(), b.numExecutors(), cmd), nil
}

// Bootstrap makes one attempt to connect to w and run the bootstrap
// command. Authentication failures and non-zero exit statuses are
// returned as errors.
func (b *SSHBootstrapper) Bootstrap(ctx context.Context, w *Worker) error {
	cmd, err := b.remoteCommand(w)
	if err != nil {
		return err
	}
	exr := &sshexecutor.Executor{
		User:        b.remoteUser(),
		Signers:     []ssh.Signer{b.signer},
		Port:        b.pool.SSHPort,
		DialTimeout: b.commandTimeout,
	}
	ctx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()
	_, stderr, err := exr.Execute(ctx, w.Address(), nil, cmd, nil)
	if err != nil {
		var xerr *ssh.ExitError
		if errors.As(err, &xerr) {
			return fmt.Errorf("bootstrap command exited %d: %q", xerr.ExitStatus(), bytes.TrimSpace(stderr))
		}
		return err
	}
	return nil
}

func (b *SSHBootstrapper) numExecutors() int {
	if b.pool.NumExecutors > 0 {
		return b.pool.NumExecutors
	}
	return 1
}

func (b *SSHBootstrapper) remoteUser() string {
	if b.pool.RemoteUser != "" {
		return b.pool.RemoteUser
	}
	return defaultRemoteUser
}

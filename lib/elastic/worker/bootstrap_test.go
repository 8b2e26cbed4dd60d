// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"git.arvados.org/ec2axis.git/lib/elastic/test"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BootstrapSuite{})

type BootstrapSuite struct{}

type execRecord struct {
	env     map[string]string
	command string
}

func (s *BootstrapSuite) setup(c *check.C, exit uint32) (*test.SSHService, axis.Pool, *[]execRecord) {
	_, hostKey, _ := test.NewTestKey(c)
	clientPub, _, clientPEM := test.NewTestKey(c)
	var mtx sync.Mutex
	var execs []execRecord
	srv := &test.SSHService{
		HostKey:        hostKey,
		AuthorizedUser: "builder",
		AuthorizedKeys: []ssh.PublicKey{clientPub},
		RejectEnv:      true,
		Exec: func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			mtx.Lock()
			execs = append(execs, execRecord{env, command})
			mtx.Unlock()
			if exit != 0 {
				fmt.Fprintln(stderr, "wget: unable to resolve host address")
			}
			return exit
		},
	}
	c.Assert(srv.Start(), check.IsNil)
	pool := axis.Pool{
		Name:       "build",
		RemoteUser: "builder",
		PrivateKey: clientPEM,
	}
	return srv, pool, &execs
}

func (s *BootstrapSuite) TestBootstrap(c *check.C) {
	srv, pool, execs := s.setup(c, 0)
	defer srv.Close()
	b, err := NewSSHBootstrapper(pool, "https://ci.example/jenkins", time.Second)
	c.Assert(err, check.IsNil)

	f := NewFleet(ctxlog.TestLogger(c), nil)
	w := f.Create("build", StateLaunching)
	w.SetInstance("i-0abc", srv.Address())
	w.Assign("job1", 4)
	c.Assert(b.Bootstrap(context.Background(), w), check.IsNil)
	c.Assert(*execs, check.HasLen, 1)
	c.Check((*execs)[0].env, check.HasLen, 0)
	c.Check((*execs)[0].command, check.Equals, `export MATRIX_EXEC_ID=4 NUM_EXECUTORS=1; wget https://ci.example/jenkins/jnlpJars/slave.jar -O slave.jar && nohup java -jar slave.jar -jnlpUrl "https://ci.example/jenkins/computer/i-0abc/slave-agent.jnlp" > slave.log 2> slave.err </dev/null &`)
}

func (s *BootstrapSuite) TestNonZeroExit(c *check.C) {
	srv, pool, _ := s.setup(c, 4)
	defer srv.Close()
	b, err := NewSSHBootstrapper(pool, "https://ci.example/", time.Second)
	c.Assert(err, check.IsNil)
	f := NewFleet(ctxlog.TestLogger(c), nil)
	w := f.Create("build", StateLaunching)
	w.SetInstance("i-0abc", srv.Address())
	err = b.Bootstrap(context.Background(), w)
	c.Check(err, check.ErrorMatches, `bootstrap command exited 4: "wget: unable to resolve host address"`)
}

func (s *BootstrapSuite) TestWrongUser(c *check.C) {
	srv, pool, execs := s.setup(c, 0)
	defer srv.Close()
	pool.RemoteUser = "root"
	b, err := NewSSHBootstrapper(pool, "https://ci.example/", time.Second)
	c.Assert(err, check.IsNil)
	f := NewFleet(ctxlog.TestLogger(c), nil)
	w := f.Create("build", StateLaunching)
	w.SetInstance("i-0abc", srv.Address())
	c.Check(b.Bootstrap(context.Background(), w), check.ErrorMatches, `.*unable to authenticate.*`)
	c.Check(*execs, check.HasLen, 0)
}

func (s *BootstrapSuite) TestCustomCommand(c *check.C) {
	_, _, pem := test.NewTestKey(c)
	pool := axis.Pool{
		Name:             "build",
		PrivateKey:       pem,
		BootstrapCommand: "start-agent --name {{.Name}} --label {{.Label}} --from {{.AgentURL}} --slot {{.Slot}} -x {{.NumExecutors}}",
		NumExecutors:     2,
	}
	b, err := NewSSHBootstrapper(pool, "http://ctl:8080", 0)
	c.Assert(err, check.IsNil)
	f := NewFleet(ctxlog.TestLogger(c), nil)
	w := f.Create("build", StateLaunching)
	w.SetSpotRequest("Build Pool@sir-1", "sir-1")
	w.Assign("job1", 3)
	cmd, err := b.Command(w)
	c.Check(err, check.IsNil)
	c.Check(cmd, check.Equals, "start-agent --name Build%20Pool@sir-1 --label build__1 --from http://ctl:8080/ --slot 3 -x 2")
	cmd, err = b.remoteCommand(w)
	c.Check(err, check.IsNil)
	c.Check(cmd, check.Matches, `export MATRIX_EXEC_ID=3 NUM_EXECUTORS=2; start-agent .*`)

	pool.BootstrapCommand = "run {{.Bogus}}"
	b, err = NewSSHBootstrapper(pool, "", 0)
	c.Assert(err, check.IsNil)
	_, err = b.Command(w)
	c.Check(err, check.ErrorMatches, `.*can't evaluate field Bogus.*`)

	pool.BootstrapCommand = "{{.Nope"
	_, err = NewSSHBootstrapper(pool, "", 0)
	c.Check(err, check.ErrorMatches, `pool "build": error parsing BootstrapCommand: .*`)
	pool.PrivateKey = "bogus"
	_, err = NewSSHBootstrapper(pool, "", 0)
	c.Check(err, check.ErrorMatches, `pool "build": error parsing PrivateKey: .*`)
	pool.PrivateKey = ""
	_, err = NewSSHBootstrapper(pool, "", 0)
	c.Check(err, check.ErrorMatches, `pool "build" has no PrivateKey`)
}

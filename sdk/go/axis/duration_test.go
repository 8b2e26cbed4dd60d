// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package axis

import (
	"encoding/json"
	"flag"
	"io"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestPoolBootTimeout(c *check.C) {
	var pool Pool
	err := json.Unmarshal([]byte(`{"BootTimeout":"7m30s"}`), &pool)
	c.Assert(err, check.IsNil)
	c.Check(pool.BootTimeout.Duration(), check.Equals, 450*time.Second)
	buf, err := json.Marshal(struct{ BootTimeout Duration }{pool.BootTimeout})
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"BootTimeout":"7m30s"}`)
}

func (s *DurationSuite) TestString(c *check.C) {
	for _, trial := range []struct {
		d   time.Duration
		out string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "1.5s"},
		{5 * time.Second, "5s"},
		{10 * time.Minute, "10m"},
		{2*time.Minute + 30*time.Second, "2m30s"},
		{time.Hour, "1h"},
		{time.Hour + 5*time.Second, "1h5s"},
		{26*time.Hour + 15*time.Minute, "26h15m"},
	} {
		c.Check(Duration(trial.d).String(), check.Equals, trial.out, check.Commentf("%v", trial.d))
	}
}

func (s *DurationSuite) TestRejectBareNumbers(c *check.C) {
	var sup SupervisorConfig
	for _, in := range []string{`{"RetryInterval":5000}`, `{"RetryInterval":"5000"}`} {
		err := json.Unmarshal([]byte(in), &sup)
		c.Check(err, check.ErrorMatches, `.*missing unit in duration "?5000"?`)
	}
	err := json.Unmarshal([]byte(`{"RetryInterval":"soon"}`), &sup)
	c.Check(err, check.ErrorMatches, `.*invalid duration "?soon"?`)
}

func (s *DurationSuite) TestFlagValue(c *check.C) {
	timeout := Duration(time.Minute)
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&timeout, "timeout", "boot timeout")
	c.Check(fs.Parse([]string{"-timeout", "90s"}), check.IsNil)
	c.Check(timeout.Duration(), check.Equals, 90*time.Second)
	c.Check(fs.Parse([]string{"-timeout", "90"}), check.NotNil)
}

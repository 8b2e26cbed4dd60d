// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := bytes.NewBufferString(exampleYAML)
	code := DumpCommand.RunCommand("ec2axis config-dump", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*SpotMaxPrice: "?0.12"?\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*Listen: "?localhost:9007"?\n.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("ec2axis config-check", []string{"-config", "-"}, bytes.NewBufferString(exampleYAML), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "config OK: 2 pools\n")

	stdout.Reset()
	code = CheckCommand.RunCommand("ec2axis config-check", []string{"-config", "-"}, bytes.NewBufferString(`Pools: {build: {}}`), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*ImageID is empty.*`)
}

func (s *CommandSuite) TestBadFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("ec2axis config-check", []string{"-bogus"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/ec2axis.git/lib/cmd"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
)

// DumpCommand prints the effective configuration, with defaults
// applied, on stdout.
var DumpCommand cmd.Handler = configCommand{
	allowEmpty: true,
	report: func(cfg *axis.Config, stdout io.Writer) error {
		out, err := Dump(cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", out)
		return err
	},
}

// CheckCommand loads the configuration and exits non-zero if it is
// invalid.
var CheckCommand cmd.Handler = configCommand{
	report: func(cfg *axis.Config, stdout io.Writer) error {
		_, err := fmt.Fprintf(stdout, "config OK: %d pools\n", len(cfg.Pools))
		return err
	},
}

// configCommand loads the file named by -config and passes the
// result to report.
type configCommand struct {
	allowEmpty bool
	report     func(*axis.Config, io.Writer) error
}

func (cc configCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	loader.AllowEmpty = cc.allowEmpty
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err == nil {
		err = cc.report(cfg, stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

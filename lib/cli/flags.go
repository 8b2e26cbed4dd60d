// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"os"

	"rsc.io/getopt"
)

// ClientFlagValues holds the flags shared by all client subcommands.
type ClientFlagValues struct {
	Server  string
	Token   string
	Format  string
	Verbose bool
}

// ClientFlagSet returns a flag set with the shared client flags. The
// server and token default to $EC2AXIS_SERVER and $EC2AXIS_TOKEN.
func ClientFlagSet(prog string) (*getopt.FlagSet, *ClientFlagValues) {
	values := &ClientFlagValues{Format: "text"}
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	flags.StringVar(&values.Server, "server", os.Getenv("EC2AXIS_SERVER"), "ec2axis service base `URL` (default $EC2AXIS_SERVER)")
	flags.Alias("S", "server")
	flags.StringVar(&values.Token, "token", os.Getenv("EC2AXIS_TOKEN"), "management `token` (default $EC2AXIS_TOKEN)")
	flags.Alias("t", "token")
	flags.StringVar(&values.Format, "format", values.Format, "output format: text, json, or yaml")
	flags.Alias("f", "format")
	flags.BoolVar(&values.Verbose, "verbose", false, "log requests on stderr")
	flags.Alias("v", "verbose")
	return flags, values
}

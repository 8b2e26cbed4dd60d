// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/ec2axis.git/lib/cli"
	"git.arvados.org/ec2axis.git/lib/cmd"
	"git.arvados.org/ec2axis.git/lib/config"
	"git.arvados.org/ec2axis.git/lib/elastic"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":      cmd.Version,
		"server":       elastic.Command,
		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,

		"allocate":   cli.Allocate,
		"allocated":  cli.Allocated,
		"finish":     cli.Finish,
		"release":    cli.Release,
		"workers":    cli.Workers,
		"spot-price": cli.SpotPrice,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, printing usage or error messages
// to stderr.
//
// positional describes the accepted positional arguments for the
// usage message, as in "Usage: {prog} [options] {positional}". If it
// is empty, any positional argument is a usage error.
//
// ok is true if the program should go on running. Otherwise exitCode
// is 0 after -help and 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		usage(f, prog, positional, stderr)
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	} else if positional == "" && f.NArg() > 0 {
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}

func usage(f FlagSet, prog, positional string, stderr io.Writer) {
	if positional != "" {
		positional = " " + positional
	}
	fmt.Fprintf(stderr, "Usage: %s [options]%s\n\nOptions:\n", prog, positional)
	f.SetOutput(stderr)
	f.PrintDefaults()
}

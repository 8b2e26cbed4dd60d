// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"git.arvados.org/ec2axis.git/lib/cmd"
	"git.arvados.org/ec2axis.git/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"rsc.io/getopt"
)

var (
	Allocate  cmd.Handler = clientCmd{"", allocate, allocateFlags}
	Allocated cmd.Handler = clientCmd{"job-id", jobAllocated, nil}
	Finish    cmd.Handler = clientCmd{"job-id", jobFinished, nil}
	Release   cmd.Handler = clientCmd{"label", release, nil}
	Workers   cmd.Handler = clientCmd{"", workers, nil}
	SpotPrice cmd.Handler = clientCmd{"pool", spotPrice, nil}
)

type allocateOpts struct {
	job     string
	pool    string
	count   int
	timeout time.Duration
}

func allocateFlags(flags *getopt.FlagSet) interface{} {
	opts := &allocateOpts{}
	flags.StringVar(&opts.job, "job", "", "job `id`")
	flags.Alias("j", "job")
	flags.StringVar(&opts.pool, "pool", "", "pool `name`")
	flags.Alias("p", "pool")
	flags.IntVar(&opts.count, "count", 1, "number of workers")
	flags.Alias("n", "count")
	flags.DurationVar(&opts.timeout, "timeout", 0, "boot timeout (default: the pool's BootTimeout)")
	return opts
}

// clientCmd is a client subcommand. positional names the single
// positional argument, if the subcommand takes one.
type clientCmd struct {
	positional string
	run        func(ctx context.Context, cl *Client, arg string, opts interface{}, out *output) error
	setupFlags func(*getopt.FlagSet) interface{}
}

func (cc clientCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		}
	}()
	flags, values := ClientFlagSet(prog)
	var opts interface{}
	if cc.setupFlags != nil {
		opts = cc.setupFlags(flags)
	}
	if ok, code := cmd.ParseFlags(flags, prog, args, cc.positional, stderr); !ok {
		return code
	}
	var arg string
	if cc.positional != "" {
		if flags.NArg() != 1 {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, cc.positional)
			return 2
		}
		arg = flags.Arg(0)
	}
	switch values.Format {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(stderr, "%s: unknown output format %q\n", prog, values.Format)
		return 2
	}
	cl := &Client{Server: values.Server, Token: values.Token}
	if values.Verbose {
		cl.Logger = ctxlog.New(stderr, "text", "debug")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err = cc.run(ctx, cl, arg, opts, &output{w: stdout, format: values.Format})
	if err != nil {
		return 1
	}
	return 0
}

// output writes a result in the requested format. In text format,
// text is called instead of encoding v.
type output struct {
	w      io.Writer
	format string
}

func (out *output) write(v interface{}, text func(io.Writer) error) error {
	switch out.format {
	case "yaml":
		buf, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding: %w", err)
		}
		_, err = out.w.Write(buf)
		return err
	case "json":
		enc := json.NewEncoder(out.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return text(out.w)
	}
}

func allocate(ctx context.Context, cl *Client, _ string, opts interface{}, out *output) error {
	o := opts.(*allocateOpts)
	if o.job == "" || o.pool == "" {
		return fmt.Errorf("--job and --pool are required")
	}
	labels, err := cl.Allocate(ctx, o.job, o.pool, o.count, o.timeout)
	if err != nil {
		return err
	}
	return out.write(map[string][]string{"labels": labels}, func(w io.Writer) error {
		for _, label := range labels {
			if _, err := fmt.Fprintln(w, label); err != nil {
				return err
			}
		}
		return nil
	})
}

func jobAllocated(ctx context.Context, cl *Client, job string, _ interface{}, _ *output) error {
	return cl.JobAllocated(ctx, job)
}

func jobFinished(ctx context.Context, cl *Client, job string, _ interface{}, _ *output) error {
	return cl.JobFinished(ctx, job)
}

func release(ctx context.Context, cl *Client, label string, _ interface{}, _ *output) error {
	return cl.Release(ctx, label)
}

func workers(ctx context.Context, cl *Client, _ string, _ interface{}, out *output) error {
	list, err := cl.Workers(ctx)
	if err != nil {
		return err
	}
	return out.write(list, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "LABEL\tSTATE\tINSTANCE\tADDRESS\tJOB\tSLOT\tUPDATED")
		for _, wkr := range list {
			updated := "-"
			if !wkr.LastUpdate.IsZero() {
				updated = humanize.Time(wkr.LastUpdate)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", wkr.Label, wkr.State, wkr.InstanceID, wkr.Address, wkr.JobID, wkr.Slot, updated)
		}
		return tw.Flush()
	})
}

func spotPrice(ctx context.Context, cl *Client, pool string, _ interface{}, out *output) error {
	price, err := cl.SpotPrice(ctx, pool)
	if err != nil {
		return err
	}
	return out.write(price, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s %s %.4f (since %s)\n", price.Pool, price.InstanceType, price.Price, price.Since.Format(time.RFC3339))
		return err
	})
}

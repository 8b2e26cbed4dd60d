// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package axis holds the configuration types shared by the ec2axis
// service, its command line tools and its tests.
package axis

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PoolTag is the instance tag used to recognize instances that
// belong to a pool.
const PoolTag = "ec2axis-pool"

// LabelSeparator separates a pool name from the worker number in a
// worker label, as in "build__3".
const LabelSeparator = "__"

// Config is the top level of the ec2axis configuration file.
type Config struct {
	// Listen is the host:port address of the HTTP API.
	Listen string

	// ManagementToken is required as a bearer token for all API
	// requests except health checks. If empty, the API refuses
	// all requests.
	ManagementToken string

	SystemLogs struct {
		Format   string
		LogLevel string
	}

	EC2 EC2Config

	CloudRetry RetryConfig

	Supervisor SupervisorConfig

	// AgentURL is the base URL of the build controller. The
	// bootstrap command fetches the agent artifact from it.
	AgentURL string

	// CancelURL receives a POST request with {"job","reason"}
	// when a job's pending work must be cancelled.
	CancelURL string

	// OrphanPolicy is "terminate" or "leave". It determines what
	// happens to instances or spot requests that were created by
	// a batch that failed part way through.
	OrphanPolicy string

	// TimeoutCheckInterval is how often the service checks
	// outstanding jobs for boot timeouts. Zero disables the
	// check; the external scheduler is then expected to call it.
	TimeoutCheckInterval Duration

	// PoolDefaults supplies values for fields left empty in
	// the individual pool definitions.
	PoolDefaults Pool

	Pools map[string]Pool
}

// EC2Config holds the cloud credentials and endpoint.
type EC2Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the default EC2 endpoint. Used in tests
	// and with EC2-compatible clouds.
	Endpoint string
}

// RetryConfig controls the retrying of throttled cloud API calls.
type RetryConfig struct {
	// Base is multiplied by the attempt number to get the wait
	// time before each retry.
	Base Duration

	// MaxRetries is the number of retries after throttling
	// errors before the error is returned to the caller.
	MaxRetries int
}

// SupervisorConfig controls the background tasks that bring new
// workers from "launching" to "connected".
type SupervisorConfig struct {
	RetryInterval      Duration
	SpotPollInterval   Duration
	CommandTimeout     Duration
	MaxConcurrentTasks int
}

// Pool describes a named class of interchangeable workers.
type Pool struct {
	// Name is filled in from the key in Config.Pools.
	Name string

	Description    string
	ImageID        string
	InstanceType   string
	Zone           string
	SubnetID       string
	SecurityGroups []string
	// KeyName is the EC2 key pair to launch with. If empty, the
	// key pair whose fingerprint matches PrivateKey is used.
	KeyName  string
	UserData string
	Tags     map[string]string

	// SpotMaxPrice, if not empty, makes the pool use spot
	// instances bid at this price (US dollars per hour).
	SpotMaxPrice string
	// BidType is "one-time" or "persistent".
	BidType string

	BootTimeout Duration
	// NumExecutors is the number of executors each agent offers
	// (default 1). It is passed to the agent command as
	// NUM_EXECUTORS and {{.NumExecutors}}.
	NumExecutors int

	RemoteUser string
	SSHPort    string
	// PrivateKey is the PEM-encoded SSH private key of the
	// pool's key pair.
	PrivateKey string

	// StopOnTerminate stops failed instances instead of
	// terminating them, so they can be matched and restarted
	// later.
	StopOnTerminate bool

	// BootstrapCommand is a text/template run on each new
	// instance. It can use {{.AgentURL}}, {{.Name}} and
	// {{.Label}}.
	BootstrapCommand string
}

// Spot returns true if the pool uses spot instances.
func (p Pool) Spot() bool {
	return p.SpotMaxPrice != ""
}

var poolNameRe = regexp.MustCompile(`^[A-Za-z0-9][-A-Za-z0-9_.]*$`)

// Check returns an error if the pool cannot be used for provisioning.
func (p Pool) Check() error {
	var errs []string
	if !poolNameRe.MatchString(p.Name) || strings.Contains(p.Name, LabelSeparator) {
		errs = append(errs, fmt.Sprintf("invalid pool name %q", p.Name))
	}
	if p.ImageID == "" {
		errs = append(errs, "ImageID is empty")
	}
	if p.InstanceType == "" {
		errs = append(errs, "InstanceType is empty")
	}
	if p.BootTimeout <= 0 {
		errs = append(errs, "BootTimeout must be positive")
	}
	if p.SpotMaxPrice != "" {
		if price, err := strconv.ParseFloat(p.SpotMaxPrice, 64); err != nil || price <= 0 {
			errs = append(errs, fmt.Sprintf("invalid SpotMaxPrice %q", p.SpotMaxPrice))
		}
		if p.BidType != "one-time" && p.BidType != "persistent" {
			errs = append(errs, fmt.Sprintf("invalid BidType %q", p.BidType))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool %q: %s", p.Name, strings.Join(errs, "; "))
	}
	return nil
}

// GetPool returns the named pool, with its Name field filled in.
func (cfg *Config) GetPool(name string) (Pool, error) {
	p, ok := cfg.Pools[name]
	if !ok {
		return Pool{}, fmt.Errorf("pool %q is not configured", name)
	}
	p.Name = name
	return p, nil
}

// ParseLabel splits a worker label like "build__3" into its pool
// name and worker number.
func ParseLabel(label string) (pool string, n int, err error) {
	i := strings.LastIndex(label, LabelSeparator)
	if i < 1 {
		return "", 0, errors.New("label has no worker number")
	}
	n, err = strconv.Atoi(label[i+len(LabelSeparator):])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("invalid worker number in label %q", label)
	}
	return label[:i], n, nil
}

// Label returns the label of the n'th worker of the named pool.
func Label(pool string, n int) string {
	return pool + LabelSeparator + strconv.Itoa(n)
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads the ec2axis configuration file.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"git.arvados.org/ec2axis.git/sdk/go/axis"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

const DefaultConfigFile = "/etc/ec2axis/config.yml"

var ErrNoPools = errors.New("config does not define any pools")

type Loader struct {
	Logger logrus.FieldLogger
	Stdin  io.Reader

	// Path is the config file, or "-" for stdin.
	Path string

	// AllowEmpty permits a config without pools, e.g., for
	// dumping the defaults.
	AllowEmpty bool
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to the default config file.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger, Path: DefaultConfigFile}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's behavior.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", DefaultConfigFile, "Configuration `file` (\"-\" for stdin)")
}

// Load reads and validates the config file indicated by Path.
func (ldr *Loader) Load() (*axis.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := ldr.load(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ldr.Path, err)
	}
	return cfg, nil
}

func (ldr *Loader) load(buf []byte) (*axis.Config, error) {
	var cfg axis.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	// Unmarshal the site config on top of the defaults, so
	// top-level and nested fields the site config omits keep
	// their default values.
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	if err := ldr.logExtraKeys(buf); err != nil {
		return nil, err
	}
	pools := make(map[string]axis.Pool, len(cfg.Pools))
	for name, pool := range cfg.Pools {
		if err := mergo.Merge(&pool, cfg.PoolDefaults); err != nil {
			return nil, fmt.Errorf("pool %q: applying PoolDefaults: %w", name, err)
		}
		pool.Name = name
		pools[name] = pool
	}
	cfg.Pools = pools
	if err := ldr.check(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) check(cfg *axis.Config) error {
	if len(cfg.Pools) == 0 && !ldr.AllowEmpty {
		return ErrNoPools
	}
	var errs []string
	if cfg.OrphanPolicy != "terminate" && cfg.OrphanPolicy != "leave" {
		errs = append(errs, fmt.Sprintf("invalid OrphanPolicy %q (must be \"terminate\" or \"leave\")", cfg.OrphanPolicy))
	}
	if cfg.Listen == "" {
		errs = append(errs, "Listen is empty")
	}
	var names []string
	for name := range cfg.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := cfg.Pools[name].Check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	if cfg.ManagementToken == "" {
		ldr.Logger.Warn("ManagementToken is empty, all API requests will be refused")
	}
	return nil
}

// logExtraKeys warns about config entries that have no counterpart
// in the default config, which are most likely typos.
func (ldr *Loader) logExtraKeys(buf []byte) error {
	var expected, supplied map[string]interface{}
	if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
		return err
	}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return err
	}
	poolKeys, _ := expected["PoolDefaults"].(map[string]interface{})
	if pools, ok := supplied["Pools"].(map[string]interface{}); ok {
		for name, pool := range pools {
			if pool, ok := pool.(map[string]interface{}); ok {
				ldr.logExtraKeysIn(poolKeys, pool, "Pools."+name+".")
			}
		}
	}
	delete(supplied, "Pools")
	ldr.logExtraKeysIn(expected, supplied, "")
	return nil
}

func (ldr *Loader) logExtraKeysIn(expected, supplied map[string]interface{}, prefix string) {
	var keys []string
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vexp, ok := expected[k]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		// Tags is a free-form map.
		if k == "Tags" {
			continue
		}
		if vexp, ok := vexp.(map[string]interface{}); ok {
			if vsupp, ok := supplied[k].(map[string]interface{}); ok {
				ldr.logExtraKeysIn(vexp, vsupp, prefix+k+".")
			}
		}
	}
}

// Dump returns the YAML encoding of cfg.
func Dump(cfg *axis.Config) ([]byte, error) {
	buf, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf), nil
}

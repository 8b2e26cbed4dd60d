// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package provision finds, starts and launches cloud instances for
// worker pools.
package provision

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by errors caused by a pool definition
// that cannot work, like an unknown security group or image. Retrying
// without changing the configuration will not help.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalidConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// PartialBatchError is returned when a provisioning step fails after
// some cloud resources were already created. The listed instances and
// spot requests exist, but are not tracked by any worker.
type PartialBatchError struct {
	InstanceIDs    []string
	SpotRequestIDs []string
	Err            error
}

func (e *PartialBatchError) Error() string {
	var created []string
	if len(e.InstanceIDs) > 0 {
		created = append(created, fmt.Sprintf("instances %s", strings.Join(e.InstanceIDs, ",")))
	}
	if len(e.SpotRequestIDs) > 0 {
		created = append(created, fmt.Sprintf("spot requests %s", strings.Join(e.SpotRequestIDs, ",")))
	}
	return fmt.Sprintf("%s (after creating %s)", e.Err, strings.Join(created, " and "))
}

func (e *PartialBatchError) Unwrap() error {
	return e.Err
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package version

// Version is assigned the release number at build time, with
// -ldflags "-X git.arvados.org/ec2axis.git/sdk/go/version.Version=1.2.3".
var Version string

// GetVersion returns the release number if it was assigned at build
// time, or "dev" otherwise.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return "dev"
}

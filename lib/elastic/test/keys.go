// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides in-process stand-ins for the EC2 API and for
// worker instances' SSH servers.
package test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// NewTestKey returns a newly generated ed25519 keypair, along with
// the PEM encoding of the private key as it would appear in a pool
// configuration.
func NewTestKey(c *check.C) (ssh.PublicKey, ssh.Signer, string) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(priv, "")
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer, string(pem.EncodeToMemory(block))
}

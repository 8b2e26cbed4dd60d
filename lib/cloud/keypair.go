// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"golang.org/x/crypto/ssh"
)

// ErrNoKeyPair is returned by FindKeyPair when no key pair matches
// the private key.
var ErrNoKeyPair = errors.New("no matching key pair")

// KeyFingerprints returns the fingerprints EC2 may report for the
// key pair of the given PEM-encoded private key. An RSA key has two:
// the SHA-1 digest of its PKCS#8 encoding, which EC2 reports for key
// pairs it created, and the MD5 digest of the public key, reported
// for imported key pairs. An ed25519 key has one, the base64 SHA-256
// digest of the public key.
func KeyFingerprints(privateKey string) ([]string, error) {
	key, err := ssh.ParseRawPrivateKey([]byte(privateKey))
	if err != nil {
		return nil, err
	}
	switch key := key.(type) {
	case *rsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		pubder, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		created := sha1.Sum(der)
		imported := md5.Sum(pubder)
		return []string{colonHex(created[:]), colonHex(imported[:])}, nil
	case *ed25519.PrivateKey:
		return ed25519Fingerprints(*key)
	case ed25519.PrivateKey:
		return ed25519Fingerprints(key)
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func ed25519Fingerprints(key ed25519.PrivateKey) ([]string, error) {
	pub, err := ssh.NewPublicKey(key.Public())
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(pub.Marshal())
	return []string{base64.StdEncoding.EncodeToString(sum[:])}, nil
}

func colonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ":")
}

// FindKeyPair returns the name of the EC2 key pair whose fingerprint
// matches the given private key. Hex fingerprints are compared
// without regard to case.
func FindKeyPair(ctx context.Context, api EC2API, privateKey string) (string, error) {
	fps, err := KeyFingerprints(privateKey)
	if err != nil {
		return "", fmt.Errorf("error parsing private key: %w", err)
	}
	resp, err := api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{})
	if err != nil {
		return "", fmt.Errorf("error listing key pairs: %w", err)
	}
	for _, kp := range resp.KeyPairs {
		have := aws.ToString(kp.KeyFingerprint)
		for _, fp := range fps {
			if have == fp || (strings.Contains(fp, ":") && strings.EqualFold(have, fp)) {
				return aws.ToString(kp.KeyName), nil
			}
		}
	}
	return "", fmt.Errorf("%w (fingerprint %s)", ErrNoKeyPair, fps[0])
}

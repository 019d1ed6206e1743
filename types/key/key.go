// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package key defines the fixed-size key types used to identify relay
// clients and servers: 32-byte Curve25519 scalars exchanged over the
// DERP-style handshake and used as map keys throughout the relay.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Public is a public key, used as the stable identity of a relay client or
// a mesh peer. It is never secret.
type Public [32]byte

// Private is a private scalar. It must never leave the process that
// generated it.
type Private [32]byte

// NewPrivate generates a new private key using crypto/rand.
func NewPrivate() (Private, error) {
	var k Private
	if _, err := rand.Read(k[:]); err != nil {
		return Private{}, fmt.Errorf("key.NewPrivate: %w", err)
	}
	return k, nil
}

// Public returns the public key corresponding to k.
func (k Private) Public() Public {
	var pub Public
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&k))
	return pub
}

// B32 returns k's bytes as the fixed-size array nacl/box expects.
func (k Private) B32() *[32]byte { return (*[32]byte)(&k) }

// IsZero reports whether k is the zero value.
func (k Private) IsZero() bool { return k == Private{} }

// B32 returns k's bytes as the fixed-size array nacl/box expects.
func (k Public) B32() *[32]byte { return (*[32]byte)(&k) }

// IsZero reports whether k is the zero value.
func (k Public) IsZero() bool { return k == Public{} }

// String returns the full lower-case hex encoding of k.
func (k Public) String() string { return hex.EncodeToString(k[:]) }

// ShortString returns a short hex prefix of k, suitable for log lines.
func (k Public) ShortString() string {
	s := k.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (k Public) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Public) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("key.Public.UnmarshalText: invalid length %d", len(b))
	}
	_, err := hex.Decode(k[:], b)
	return err
}

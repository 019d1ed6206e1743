// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package derp implements a relay for an encrypted overlay network:
// clients that can't reach each other directly connect to a relay over a
// long-lived TCP connection, authenticate by public key, and exchange
// opaque packets addressed by destination public key. Relays mesh
// together so a client on one relay can reach a client connected to
// another.
package derp

import (
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the only protocol version this package speaks. A
// client presenting a different version in its clientInfo is rejected.
const ProtocolVersion = 2

// MaxPacketSize is the largest payload a SendPacket/ForwardPacket/RecvPacket
// frame may carry.
const MaxPacketSize = 64 << 10

// keyLen is the width, in bytes, of a key.Public or key.Private on the wire.
const keyLen = 32

// nonceLen is the width, in bytes, of the box nonce used in ClientInfo.
const nonceLen = 24

// maxInfoLen bounds the body of a ClientInfo frame (client key, nonce and
// sealed clientInfo JSON).
const maxInfoLen = 256 << 10

// frameHeaderLen is the length of a frame's type+length header.
const frameHeaderLen = 1 + 4

// magic is sent at the start of ServerKey's body: "DERP🔑".
var magic = [8]byte{0x44, 0x45, 0x52, 0x50, 0xF0, 0x9F, 0x94, 0x91}

// frameType identifies the shape of a frame's body.
type frameType byte

const (
	frameServerKey     frameType = 0x01
	frameClientInfo    frameType = 0x02
	frameServerInfo    frameType = 0x03
	frameSendPacket    frameType = 0x04
	frameRecvPacket    frameType = 0x05
	frameKeepAlive     frameType = 0x06
	frameNotePreferred frameType = 0x07
	framePeerGone      frameType = 0x08
	framePeerPresent   frameType = 0x09
	frameForwardPacket frameType = 0x0A
	frameWatchConns    frameType = 0x10
	frameClosePeer     frameType = 0x11
	framePing          frameType = 0x12
	framePong          frameType = 0x13
	frameControlMsg    frameType = 0x14
)

func (t frameType) String() string {
	switch t {
	case frameServerKey:
		return "ServerKey"
	case frameClientInfo:
		return "ClientInfo"
	case frameServerInfo:
		return "ServerInfo"
	case frameSendPacket:
		return "SendPacket"
	case frameRecvPacket:
		return "RecvPacket"
	case frameKeepAlive:
		return "KeepAlive"
	case frameNotePreferred:
		return "NotePreferred"
	case framePeerGone:
		return "PeerGone"
	case framePeerPresent:
		return "PeerPresent"
	case frameForwardPacket:
		return "ForwardPacket"
	case frameWatchConns:
		return "WatchConns"
	case frameClosePeer:
		return "ClosePeer"
	case framePing:
		return "Ping"
	case framePong:
		return "Pong"
	case frameControlMsg:
		return "ControlMessage"
	default:
		return "Unknown"
	}
}

// ErrInsufficientData is returned by decode when the stream does not yet
// hold a complete frame. It is not fatal: the caller should read more
// bytes and try again.
var ErrInsufficientData = errors.New("derp: insufficient data")

// DecodeError is fatal to the connection it occurred on: a malformed
// frame type, a length-wrapped sub-codec overrun, or trailing garbage.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "derp: decode error: " + e.Reason }

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// serverInfo is the JSON body of a ServerInfo frame (supplemental: spec's
// wire table allows ServerInfo's body to be empty or opaque; this fills it
// with the teacher's rate-limit hint fields so Client.setSendRateLimiter
// has something to consume).
type serverInfo struct {
	TokenBucketBytesPerSecond int `json:"tokenBucketBytesPerSecond,omitempty"`
	TokenBucketBytesBurst     int `json:"tokenBucketBytesBurst,omitempty"`
}

// clientInfo is the JSON plaintext sealed inside a ClientInfo frame.
type clientInfo struct {
	Version int `json:"version,omitempty"`

	// MeshKey optionally carries the shared secret that admits this
	// connection to the mesh (see the admission table in §4.B).
	MeshKey string `json:"meshKey,omitempty"`

	// CanAckPings declares the client can reply to Ping with Pong.
	CanAckPings bool `json:"canAckPings,omitempty"`

	// IsProber marks connections made by a health-check prober.
	IsProber bool `json:"isProber,omitempty"`
}

// defaultWriteTimeout bounds how long a single frame write may take before
// the connection is torn down, so one slow client can't stall its own
// writer goroutine forever. It is not specified by the core protocol but
// keeps a wedged TCP peer from leaking a goroutine indefinitely.
// Server.WriteTimeout overrides it per instance.
const defaultWriteTimeout = 5 * time.Second

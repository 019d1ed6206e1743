// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import "github.com/tomaszklak/derp/types/key"

// WriterCmd is a command enqueued on a connection's Sink: the only way
// anything (the service, a mesh peer, a connection's own reader) gets a
// frame emitted on that connection's wire (§4.C).
type WriterCmd interface {
	writerCmd()
}

// wcDeliver carries a packet to a connection's writer, which decides
// whether to emit it as RecvPacket (destined here) or ForwardPacket
// (destined elsewhere, via a mesh connection).
type wcDeliver struct {
	src, dst key.Public
	payload  []byte
}

// wcPeerPresent asks a connection's writer to emit a PeerPresent frame.
type wcPeerPresent struct{ key key.Public }

// wcPeerGone asks a connection's writer to emit a PeerGone frame.
type wcPeerGone struct{ key key.Public }

// wcStop asks a writer to exit cleanly.
type wcStop struct{}

func (wcDeliver) writerCmd()     {}
func (wcPeerPresent) writerCmd() {}
func (wcPeerGone) writerCmd()    {}
func (wcStop) writerCmd()        {}

// Sink is a handle to a single connection's writer queue. Because Go
// channels are themselves reference types, a Sink can be copied freely and
// handed to many goroutines (the service's directories, mesh peers, a
// connection's own reader) without any manual reference counting — unlike
// the Rust original this spec generalizes, which needed an Arc<Sender>.
//
// Send either reaches the writer or is dropped because the writer has
// exited; there is no other visible state (invariant §3.3).
type Sink struct {
	ch   chan<- WriterCmd
	done <-chan struct{}
}

// newSinkPair creates a Sink and the paired receive channel + done signal
// that the owning writer task consumes from / closes on exit.
func newSinkPair(capacity int) (Sink, chan WriterCmd, chan struct{}) {
	ch := make(chan WriterCmd, capacity)
	done := make(chan struct{})
	return Sink{ch: ch, done: done}, ch, done
}

// Send enqueues cmd for the writer. It reports whether the command was
// accepted; false means the writer has already exited and cmd was
// dropped.
func (s Sink) Send(cmd WriterCmd) bool {
	select {
	case s.ch <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"fmt"
	"time"

	"github.com/tomaszklak/derp/types/key"
	"github.com/tomaszklak/derp/types/logger"
)

// meshPeerUserAgent is sent in the HTTP upgrade request a mesh client
// issues against a peer relay.
const meshPeerUserAgent = "derp-mesh-client"

// meshReconnectInterval bounds how long to wait before redialing a mesh
// peer whose connection died.
const meshReconnectInterval = 5 * time.Second

// AddMeshPeer dials addr, authenticates with priv and meshKey, and keeps
// the resulting mesh connection registered with s for as long as s runs:
// it is §4.E's mesh client, adapted to run inside the Server's own
// process rather than as a freestanding binary. It redials on failure and
// does not return until s is closed; the returned error is that of the last
// connection attempt. Call it in its own goroutine for a fire-and-forget
// peer.
func (s *Server) AddMeshPeer(addr string, meshKey string, logf logger.Logf) error {
	if logf == nil {
		logf = logger.Discard
	}
	for {
		err := s.runMeshPeer(addr, meshKey, logf)
		if err != nil {
			logf("derp: mesh peer %s: %v, reconnecting in %s", addr, err, meshReconnectInterval)
		}
		select {
		case <-s.stop:
			return err
		case <-time.After(meshReconnectInterval):
		}
	}
}

// runMeshPeer runs one connection's lifetime: dial, admit into s's mesh
// directory, pump frames until the connection dies, then unregister.
func (s *Server) runMeshPeer(addr string, meshKey string, logf logger.Logf) error {
	c, err := Dial(addr, s.privateKey, meshPeerUserAgent, logf, MeshKey(meshKey))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.nc.Close()

	if err := c.WatchConnectionChanges(); err != nil {
		return fmt.Errorf("WatchConnectionChanges: %w", err)
	}

	sink, ch, done := newSinkPair(sinkQueueDepth)
	peerKey := c.ServerPublicKey()

	go meshWriterLoop(c, ch, done, logf)
	s.cmds <- cmdSubscribe{peer: peerKey, sink: sink}
	defer func() {
		s.cmds <- cmdUnregister{key: peerKey, sink: sink}
	}()

	return meshReaderLoop(s, c, sink, logf)
}

// meshWriterLoop is this side's writer for an outbound mesh connection:
// a wcPeerPresent/wcPeerGone announces one of our local clients to the
// peer relay; a wcDeliver is a packet addressed to one of the peer's own
// local clients and goes out as ForwardPacket, never RecvPacket, since
// this connection's "self key" is the peer relay, not a packet recipient.
func meshWriterLoop(c *Client, cmds <-chan WriterCmd, done chan<- struct{}, logf logger.Logf) {
	defer close(done)
	for cmd := range cmds {
		var err error
		switch w := cmd.(type) {
		case wcPeerPresent:
			err = writeMeshKeyFrame(c, framePeerPresent, w.key)
		case wcPeerGone:
			err = writeMeshKeyFrame(c, framePeerGone, w.key)
		case wcDeliver:
			err = c.ForwardPacket(w.src, w.dst, w.payload)
		case wcStop:
			return
		}
		if err != nil {
			logf("derp: mesh writer: %v", err)
			return
		}
	}
}

func writeMeshKeyFrame(c *Client, t frameType, k key.Public) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.bw, t, k[:]); err != nil {
		return err
	}
	return c.bw.Flush()
}

// meshReaderLoop turns frames read from a mesh peer into commands against
// s's own routing service: a PeerPresent from the peer means "one of its
// local clients is reachable through sink," and a ForwardPacket from it
// means "relay this onward," per §4.E. sink is the Sink this
// connection registered under cmdSubscribe; every pseudo-client PeerPresent
// introduces routes through the same sink, since they all reach the peer
// relay over this one TCP connection.
func meshReaderLoop(s *Server, c *Client, sink Sink, logf logger.Logf) error {
	for {
		m, err := c.Recv()
		if err != nil {
			return err
		}
		switch v := m.(type) {
		case PeerPresentMessage:
			s.cmds <- cmdPeerPresent{key: key.Public(v), sink: sink}
		case PeerGoneMessage:
			// The peer relay's own directory lost this client; s has no
			// pseudo-entry bookkeeping to unwind beyond what Unregister
			// already does when this connection itself eventually dies.
		case ForwardedPacket:
			s.cmds <- cmdSend{src: v.Source, dst: v.Dest, payload: v.Data}
		}
	}
}

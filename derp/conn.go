// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/tomaszklak/derp/types/key"
	"github.com/tomaszklak/derp/types/logger"
)

// sinkQueueDepth is the writer queue's capacity. §5 notes capacity 1 is
// sufficient: it gives a slow peer exactly one frame of slack before
// backpressure reaches whoever is sending to it.
const sinkQueueDepth = 1

// readChunkSize is how much a connection's reader asks the kernel for at
// once before re-running the stream decoder, per the Design Notes.
const readChunkSize = 64 << 10

// startConnWorker spawns the writer then the reader for one accepted
// connection and returns the Sink other goroutines use to reach it.
// selfKey identifies the connection's owner; canMesh was decided by the
// admission policy in §4.B.
func startConnWorker(conn net.Conn, bw *bufio.Writer, br *bufio.Reader, selfKey key.Public, canMesh bool, cmds chan<- serviceCmd, writeTimeout time.Duration, logf logger.Logf) Sink {
	sink, ch, done := newSinkPair(sinkQueueDepth)
	go writerLoop(conn, bw, ch, done, selfKey, canMesh, writeTimeout, logf)
	go readerLoop(conn, br, selfKey, canMesh, cmds, sink, logf)
	return sink
}

// writerLoop owns conn's write half; it is the only goroutine that writes
// to it (invariant §3.2). It exits on Stop, on a send error, or when its
// channel is closed (no more senders).
func writerLoop(conn net.Conn, bw *bufio.Writer, cmds <-chan WriterCmd, done chan<- struct{}, selfKey key.Public, canMesh bool, writeTimeout time.Duration, logf logger.Logf) {
	defer close(done)
	defer conn.Close()

	for cmd := range cmds {
		var err error
		switch c := cmd.(type) {
		case wcDeliver:
			err = deliverToWriter(bw, conn, c, selfKey, canMesh, writeTimeout)
		case wcPeerPresent:
			err = writeKeyFrame(bw, conn, framePeerPresent, c.key, writeTimeout)
		case wcPeerGone:
			err = writeKeyFrame(bw, conn, framePeerGone, c.key, writeTimeout)
		case wcStop:
			logf("derp: writer for %s stopping", selfKey.ShortString())
			return
		}
		if err != nil {
			logf("derp: writer for %s exiting: %v", selfKey.ShortString(), err)
			return
		}
	}
}

// deliverToWriter implements the Deliver policy of §4.C: a packet destined
// to this connection's own owner becomes RecvPacket; one destined
// elsewhere, on a mesh connection, is re-emitted as ForwardPacket.
func deliverToWriter(bw *bufio.Writer, conn net.Conn, c wcDeliver, selfKey key.Public, canMesh bool, writeTimeout time.Duration) error {
	timer := time.AfterFunc(writeTimeout, func() { conn.Close() })
	defer timer.Stop()

	if c.dst == selfKey {
		body := make([]byte, 0, keyLen+len(c.payload))
		body = append(body, c.src[:]...)
		body = append(body, c.payload...)
		if err := writeFrame(bw, frameRecvPacket, body); err != nil {
			return err
		}
		return bw.Flush()
	}
	if !canMesh {
		// Unreachable by construction: the service only routes a
		// foreign-destination Deliver to a mesh sink.
		panic("derp: Deliver to non-owner on a non-mesh connection")
	}
	body := make([]byte, 0, 2*keyLen+len(c.payload))
	body = append(body, c.src[:]...)
	body = append(body, c.dst[:]...)
	body = append(body, c.payload...)
	if err := writeFrame(bw, frameForwardPacket, body); err != nil {
		return err
	}
	return bw.Flush()
}

func writeKeyFrame(bw *bufio.Writer, conn net.Conn, t frameType, k key.Public, writeTimeout time.Duration) error {
	timer := time.AfterFunc(writeTimeout, func() { conn.Close() })
	defer timer.Stop()
	if err := writeFrame(bw, t, k[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// readerLoop owns conn's read half and the incremental frame parser,
// translating wire frames into ServiceCmds per §4.C.
func readerLoop(conn net.Conn, br *bufio.Reader, selfKey key.Public, canMesh bool, cmds chan<- serviceCmd, ownSink Sink, logf logger.Logf) {
	defer unregisterOnExit(cmds, selfKey, ownSink)

	dec := &StreamDecoder{}
	buf := make([]byte, readChunkSize)
	for {
		f, err := dec.Next()
		if err == ErrInsufficientData {
			n, rerr := br.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if rerr != nil {
				if rerr != io.EOF {
					logf("derp: reader for %s: read error: %v", selfKey.ShortString(), rerr)
				}
				return
			}
			continue
		}
		if err != nil {
			logf("derp: reader for %s: decode error: %v", selfKey.ShortString(), err)
			return
		}

		if !dispatchFrame(f, selfKey, canMesh, cmds, ownSink, logf) {
			return
		}
	}
}

// dispatchFrame routes one decoded frame per §4.C. It returns false if the
// connection must be terminated (an unrecognized frame type, a body of the
// wrong length, or WatchConns or ForwardPacket from a connection that isn't
// mesh-admitted).
func dispatchFrame(f rawFrame, selfKey key.Public, canMesh bool, cmds chan<- serviceCmd, ownSink Sink, logf logger.Logf) bool {
	switch f.Type {
	case frameSendPacket:
		if err := requireAtLeast(f.Body, keyLen, "SendPacket"); err != nil {
			logf("derp: %s: %v", selfKey.ShortString(), err)
			return false
		}
		var dst key.Public
		copy(dst[:], f.Body[:keyLen])
		cmds <- cmdSend{src: selfKey, dst: dst, payload: append([]byte(nil), f.Body[keyLen:]...)}
		return true

	case frameWatchConns:
		if !canMesh {
			logf("derp: %s: WatchConns from non-mesh connection, closing", selfKey.ShortString())
			return false
		}
		cmds <- cmdSubscribe{peer: selfKey, sink: ownSink}
		return true

	case framePeerPresent:
		if err := requireExact(f.Body, keyLen, "PeerPresent"); err != nil {
			logf("derp: %s: %v", selfKey.ShortString(), err)
			return false
		}
		// Tolerated from a non-mesh client per the Open Questions: it is
		// upstream's job (the service) to decide whether it's meaningful.
		var k key.Public
		copy(k[:], f.Body)
		cmds <- cmdPeerPresent{key: k, sink: ownSink}
		return true

	case frameForwardPacket:
		if !canMesh {
			logf("derp: %s: ForwardPacket from non-mesh connection, closing", selfKey.ShortString())
			return false
		}
		if err := requireAtLeast(f.Body, 2*keyLen, "ForwardPacket"); err != nil {
			logf("derp: %s: %v", selfKey.ShortString(), err)
			return false
		}
		var src, dst key.Public
		copy(src[:], f.Body[:keyLen])
		copy(dst[:], f.Body[keyLen:2*keyLen])
		cmds <- cmdSend{src: src, dst: dst, payload: append([]byte(nil), f.Body[2*keyLen:]...)}
		return true

	case frameNotePreferred:
		if err := requireExact(f.Body, 1, "NotePreferred"); err != nil {
			logf("derp: %s: %v", selfKey.ShortString(), err)
			return false
		}
		cmds <- cmdNotePreferred{key: selfKey, preferred: f.Body[0] != 0}
		return true

	case framePing, framePong, frameKeepAlive, frameControlMsg, frameClosePeer:
		// Accepted and ignored for this core (§6): none of these affect
		// routing, and none are required reading for any test in scope.
		return true

	default:
		logf("derp: %s: unrecognized frame type %s, closing", selfKey.ShortString(), f.Type)
		return false
	}
}

func unregisterOnExit(cmds chan<- serviceCmd, selfKey key.Public, sink Sink) {
	cmds <- cmdUnregister{key: selfKey, sink: sink}
}

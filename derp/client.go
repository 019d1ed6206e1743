// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomaszklak/derp/types/key"
	"github.com/tomaszklak/derp/types/logger"
)

// Client is the client side of one relay connection: it runs the
// handshake of §4.B against a Server and then offers Send/Recv for the
// packet-exchange phase of §4.C. It is also the connection primitive the
// mesh client in mesh.go dials with.
type Client struct {
	serverKey  key.Public
	privateKey key.Private
	publicKey  key.Public
	logf       logger.Logf
	nc         net.Conn
	br         *bufio.Reader

	meshKey     string
	canAckPings bool
	isProber    bool

	wmu sync.Mutex // guards writes to bw and rate
	bw  *bufio.Writer
	lim *rate.Limiter

	peeked  int
	readErr error
}

// ClientOpt configures NewClient.
type ClientOpt interface{ apply(*clientOpts) }

type clientOptFunc func(*clientOpts)

func (f clientOptFunc) apply(o *clientOpts) { f(o) }

type clientOpts struct {
	meshKey     string
	serverPub   key.Public
	canAckPings bool
	isProber    bool
}

// MeshKey declares the shared secret that requests mesh admission.
func MeshKey(k string) ClientOpt { return clientOptFunc(func(o *clientOpts) { o.meshKey = k }) }

// IsProber marks this client as a health-check prober.
func IsProber(v bool) ClientOpt { return clientOptFunc(func(o *clientOpts) { o.isProber = v }) }

// ServerPublicKey skips the ServerKey read when the caller already knows
// the relay's public key (e.g. from out-of-band discovery via MetaCert).
func ServerPublicKey(k key.Public) ClientOpt {
	return clientOptFunc(func(o *clientOpts) { o.serverPub = k })
}

// CanAckPings declares that this client will answer a Ping with a Pong.
func CanAckPings(v bool) ClientOpt { return clientOptFunc(func(o *clientOpts) { o.canAckPings = v }) }

// NewClient runs the handshake of §4.B over nc/brw and returns a Client
// ready for Send/Recv. The HTTP upgrade (step 1) must already have
// happened; brw's Reader must be positioned right after it. NewClient does
// not read the ServerInfo frame (step 4): the first Recv returns it as a
// ServerInfoMessage.
func NewClient(priv key.Private, nc net.Conn, brw *bufio.ReadWriter, logf logger.Logf, opts ...ClientOpt) (*Client, error) {
	var o clientOpts
	for _, opt := range opts {
		if opt == nil {
			return nil, errors.New("derp: nil ClientOpt")
		}
		opt.apply(&o)
	}
	if logf == nil {
		logf = logger.Discard
	}
	c := &Client{
		privateKey:  priv,
		publicKey:   priv.Public(),
		logf:        logf,
		nc:          nc,
		br:          brw.Reader,
		bw:          brw.Writer,
		meshKey:     o.meshKey,
		canAckPings: o.canAckPings,
		isProber:    o.isProber,
	}
	if o.serverPub.IsZero() {
		pub, err := readServerKeyFrame(c.br)
		if err != nil {
			return nil, fmt.Errorf("derp.NewClient: server key: %w", err)
		}
		c.serverKey = pub
	} else {
		c.serverKey = o.serverPub
	}

	var nonce [nonceLen]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return nil, err
	}
	info := clientInfo{
		Version:     ProtocolVersion,
		MeshKey:     c.meshKey,
		CanAckPings: c.canAckPings,
		IsProber:    c.isProber,
	}
	if err := writeClientInfoFrame(c.bw, priv, c.serverKey, info, nonce); err != nil {
		return nil, fmt.Errorf("derp.NewClient: client info: %w", err)
	}
	return c, nil
}

// Dial connects to a relay at addr, runs the HTTP upgrade and the
// handshake of §4.B, and returns a ready Client. userAgent is sent as the
// upgrade request's User-Agent header.
func Dial(addr string, priv key.Private, userAgent string, logf logger.Logf, opts ...ClientOpt) (*Client, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("derp.Dial: %w", err)
	}
	leftover, err := clientUpgrade(nc, userAgent)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("derp.Dial: upgrade: %w", err)
	}
	br := readerFor(nc, leftover)
	brw := &bufio.ReadWriter{Reader: br, Writer: bufio.NewWriter(nc)}
	c, err := NewClient(priv, nc, brw, logf, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// ServerPublicKey returns the relay's public key as learned during the
// handshake.
func (c *Client) ServerPublicKey() key.Public { return c.serverKey }

// Send transmits pkt to dst (§4.C SendPacket).
func (c *Client) Send(dst key.Public, pkt []byte) error { return c.send(dst, pkt) }

func (c *Client) send(dst key.Public, pkt []byte) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("derp.Send: %w", err)
		}
	}()
	if len(pkt) > MaxPacketSize {
		return fmt.Errorf("packet too big: %d", len(pkt))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.lim != nil {
		n := frameHeaderLen + keyLen + len(pkt)
		if !c.lim.AllowN(time.Now(), n) {
			return nil
		}
	}
	if err := writeFrameHeader(c.bw, frameSendPacket, uint32(keyLen+len(pkt))); err != nil {
		return err
	}
	if _, err := c.bw.Write(dst[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(pkt); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ForwardPacket relays a packet on src's behalf (§4.C ForwardPacket). It is
// only meaningful on a mesh-admitted connection.
func (c *Client) ForwardPacket(src, dst key.Public, pkt []byte) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("derp.ForwardPacket: %w", err)
		}
	}()
	if len(pkt) > MaxPacketSize {
		return fmt.Errorf("packet too big: %d", len(pkt))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	timer := time.AfterFunc(defaultWriteTimeout, func() { c.nc.Close() })
	defer timer.Stop()

	if err := writeFrameHeader(c.bw, frameForwardPacket, uint32(2*keyLen+len(pkt))); err != nil {
		return err
	}
	if _, err := c.bw.Write(src[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(dst[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(pkt); err != nil {
		return err
	}
	return c.bw.Flush()
}

// SendPong answers a Ping.
func (c *Client) SendPong(data [8]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrameHeader(c.bw, framePong, 8); err != nil {
		return err
	}
	if _, err := c.bw.Write(data[:]); err != nil {
		return err
	}
	return c.bw.Flush()
}

// NotePreferred tells the relay whether this client currently considers it
// home, for the curHomeClients metric.
func (c *Client) NotePreferred(preferred bool) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("derp.NotePreferred: %w", err)
		}
	}()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrameHeader(c.bw, frameNotePreferred, 1); err != nil {
		return err
	}
	var b byte
	if preferred {
		b = 1
	}
	if err := c.bw.WriteByte(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

// WatchConnectionChanges subscribes to the relay's client presence stream.
// Only meaningful on a mesh-admitted connection.
func (c *Client) WatchConnectionChanges() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrameHeader(c.bw, frameWatchConns, 0); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ClosePeer asks the relay to close target's connection. Only meaningful
// on a mesh-admitted connection.
func (c *Client) ClosePeer(target key.Public) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.bw, frameClosePeer, target[:])
}

// ReceivedMessage is one of the concrete types Recv may return.
type ReceivedMessage interface{ msg() }

// ReceivedPacket is a packet delivered to this client. Data aliases the
// buffer Recv used and is only valid until the next Recv call.
type ReceivedPacket struct {
	Source key.Public
	Data   []byte
}

func (ReceivedPacket) msg() {}

// PeerGoneMessage reports that the named peer has disconnected from the
// relay. The relay sends it to clients that had previously sent that peer
// a packet, and to mesh-admitted connections watching for presence changes.
type PeerGoneMessage key.Public

func (PeerGoneMessage) msg() {}

// PeerPresentMessage reports that the named peer is connected. Only sent
// to mesh-admitted connections.
type PeerPresentMessage key.Public

func (PeerPresentMessage) msg() {}

// ForwardedPacket is a packet forwarded by a mesh peer on behalf of Source,
// addressed to Dest. Only received on a mesh-admitted connection.
type ForwardedPacket struct {
	Source, Dest key.Public
	Data         []byte
}

func (ForwardedPacket) msg() {}

// ServerInfoMessage is the relay's greeting, sent once at connect.
type ServerInfoMessage struct {
	TokenBucketBytesPerSecond int
	TokenBucketBytesBurst     int
}

func (ServerInfoMessage) msg() {}

// PingMessage asks the receiver to answer with a PongMessage carrying the
// same payload.
type PingMessage [8]byte

func (PingMessage) msg() {}

// KeepAliveMessage is a one-way liveness frame; it carries no data.
type KeepAliveMessage struct{}

func (KeepAliveMessage) msg() {}

// Recv reads the next message from the relay. It blocks until one arrives
// or the read deadline (120s) elapses. Once Recv returns an error, the
// Client is dead: subsequent calls return the same sticky error.
func (c *Client) Recv() (ReceivedMessage, error) { return c.recvTimeout(120 * time.Second) }

func (c *Client) recvTimeout(timeout time.Duration) (m ReceivedMessage, err error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("derp.Recv: %w", err)
			c.readErr = err
		}
	}()

	for {
		c.nc.SetReadDeadline(time.Now().Add(timeout))

		if c.peeked != 0 {
			if n, err := c.br.Discard(c.peeked); err != nil || n != c.peeked {
				return nil, fmt.Errorf("bufio.Reader.Discard(%d): got %v, %v", c.peeked, n, err)
			}
			c.peeked = 0
		}

		t, n, err := readFrameHeader(c.br)
		if err != nil {
			return nil, err
		}
		if n > 1<<20 {
			return nil, fmt.Errorf("oversize frame: %d bytes", n)
		}

		var b []byte
		if int(n) <= c.br.Size() {
			b, err = c.br.Peek(int(n))
			c.peeked = int(n)
		} else {
			b = make([]byte, n)
			_, err = io.ReadFull(c.br, b)
		}
		if err != nil {
			return nil, err
		}

		switch t {
		default:
			continue
		case frameServerInfo:
			info, err := readServerInfoFrame(b)
			if err != nil {
				return nil, err
			}
			sm := ServerInfoMessage{
				TokenBucketBytesPerSecond: info.TokenBucketBytesPerSecond,
				TokenBucketBytesBurst:     info.TokenBucketBytesBurst,
			}
			c.setSendRateLimiter(sm)
			return sm, nil
		case frameKeepAlive:
			return KeepAliveMessage{}, nil
		case framePeerGone:
			if n < keyLen {
				c.logf("derp: dropping short PeerGone frame")
				continue
			}
			var pg PeerGoneMessage
			copy(pg[:], b[:keyLen])
			return pg, nil
		case framePeerPresent:
			if n < keyLen {
				c.logf("derp: dropping short PeerPresent frame")
				continue
			}
			var pp PeerPresentMessage
			copy(pp[:], b[:keyLen])
			return pp, nil
		case frameRecvPacket:
			if n < keyLen {
				c.logf("derp: dropping short RecvPacket frame")
				continue
			}
			var rp ReceivedPacket
			copy(rp.Source[:], b[:keyLen])
			rp.Data = b[keyLen:n]
			return rp, nil
		case frameForwardPacket:
			if n < 2*keyLen {
				c.logf("derp: dropping short ForwardPacket frame")
				continue
			}
			var fp ForwardedPacket
			copy(fp.Source[:], b[:keyLen])
			copy(fp.Dest[:], b[keyLen:2*keyLen])
			fp.Data = b[2*keyLen : n]
			return fp, nil
		case framePing:
			if n < 8 {
				c.logf("derp: dropping short Ping frame")
				continue
			}
			var pm PingMessage
			copy(pm[:], b[:8])
			return pm, nil
		}
	}
}

func (c *Client) setSendRateLimiter(sm ServerInfoMessage) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.lim = nil
	if sm.TokenBucketBytesPerSecond == 0 {
		return
	}
	c.lim = rate.NewLimiter(rate.Every(time.Second/time.Duration(sm.TokenBucketBytesPerSecond)), sm.TokenBucketBytesBurst)
}

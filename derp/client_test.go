// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/tomaszklak/derp/internal/nettest"
)

// TestClientRecv exercises Recv's frame-type switch directly, bypassing
// the network and handshake entirely: it writes raw frames to the
// Client's underlying bufio.Reader and checks what comes back.
func TestClientRecv(t *testing.T) {
	priv := newPrivateKey(t)
	srvPriv := newPrivateKey(t)

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	peer := newPrivateKey(t).Public()
	dst := newPrivateKey(t).Public()

	tests := []struct {
		name  string
		write func()
		want  ReceivedMessage
	}{
		{
			name: "keep_alive",
			write: func() {
				writeFrameHeader(bw, frameKeepAlive, 0)
			},
			want: KeepAliveMessage{},
		},
		{
			name: "peer_gone",
			write: func() {
				writeFrame(bw, framePeerGone, peer[:])
			},
			want: PeerGoneMessage(peer),
		},
		{
			name: "peer_present",
			write: func() {
				writeFrame(bw, framePeerPresent, peer[:])
			},
			want: PeerPresentMessage(peer),
		},
		{
			name: "recv_packet",
			write: func() {
				body := append(append([]byte(nil), peer[:]...), []byte("payload")...)
				writeFrame(bw, frameRecvPacket, body)
			},
			want: ReceivedPacket{Source: peer, Data: []byte("payload")},
		},
		{
			name: "forward_packet",
			write: func() {
				body := append(append([]byte(nil), peer[:]...), dst[:]...)
				body = append(body, []byte("fwd")...)
				writeFrame(bw, frameForwardPacket, body)
			},
			want: ForwardedPacket{Source: peer, Dest: dst, Data: []byte("fwd")},
		},
		{
			name: "ping",
			write: func() {
				writeFrame(bw, framePing, []byte{1, 2, 3, 4, 5, 6, 7, 8})
			},
			want: PingMessage{1, 2, 3, 4, 5, 6, 7, 8},
		},
	}

	nc, ncPeer := nettest.NewConn("client-recv", 4096)
	defer nc.Close()
	defer ncPeer.Close()

	c := &Client{
		serverKey:  srvPriv.Public(),
		privateKey: priv,
		publicKey:  priv.Public(),
		logf:       t.Logf,
		nc:         nc,
		br:         bufio.NewReader(&buf),
		bw:         bw,
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.write()
			if err := bw.Flush(); err != nil {
				t.Fatal(err)
			}
			got, err := c.Recv()
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v; want %#v", got, tt.want)
			}
		})
	}
}

func TestClientSendPong(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	c := &Client{bw: bw}

	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := c.SendPong(data); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(&buf)
	ty, n, err := readFrameHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	if ty != framePong || n != 8 {
		t.Fatalf("got (%v, %d); want (%v, 8)", ty, n, framePong)
	}
	var got [8]byte
	if _, err := br.Read(got[:]); err != nil {
		t.Fatal(err)
	}
	if got != data {
		t.Errorf("got %v; want %v", got, data)
	}
}

// TestClientInfoSealOpen (handshake_test.go) already covers the
// ClientInfo box; this checks the plaintext fields clientInfo carries
// survive a JSON round trip unmodified.
func TestClientInfoFields(t *testing.T) {
	info := clientInfo{
		Version:     ProtocolVersion,
		MeshKey:     "shared-secret",
		CanAckPings: true,
		IsProber:    false,
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	var got clientInfo
	if err := json.Unmarshal(encoded, &got); err != nil {
		t.Fatal(err)
	}
	if got != info {
		t.Errorf("got %+v; want %+v", got, info)
	}
}

// TestLimiter checks that setSendRateLimiter installs a limiter once a
// ServerInfoMessage names a non-zero rate and none for a zero rate, and
// that a Send over the limit returns without error instead of blocking.
func TestLimiter(t *testing.T) {
	c1, c2 := nettest.NewConn("limiter", 4096)
	defer c1.Close()
	defer c2.Close()

	br := bufio.NewReader(c1)
	bw := bufio.NewWriter(c1)
	priv := newPrivateKey(t)
	c := &Client{
		privateKey: priv,
		publicKey:  priv.Public(),
		logf:       t.Logf,
		nc:         c1,
		br:         br,
		bw:         bw,
	}

	c.setSendRateLimiter(ServerInfoMessage{TokenBucketBytesPerSecond: 0, TokenBucketBytesBurst: 0})
	if c.lim != nil {
		t.Fatalf("want nil limiter for a zero rate")
	}

	c.setSendRateLimiter(ServerInfoMessage{TokenBucketBytesPerSecond: 100, TokenBucketBytesBurst: 100})
	if c.lim == nil {
		t.Fatalf("want non-nil limiter for a non-zero rate")
	}

	dst := newPrivateKey(t).Public()
	big := make([]byte, 1000)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()

	// First Send within the burst succeeds (no blocking expected); a
	// second, far larger than the bucket, is silently dropped rather
	// than blocking Send.
	if err := c.Send(dst, []byte("small")); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := c.Send(dst, big); err != nil {
		t.Fatalf("second Send: %v", err)
	}
}

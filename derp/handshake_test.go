// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"crypto/rand"
	"testing"

	"github.com/tomaszklak/derp/internal/nettest"
	"github.com/tomaszklak/derp/types/key"
)

func TestUpgradeRoundTrip(t *testing.T) {
	c1, c2 := nettest.NewConn("upgrade", 4096)
	defer c1.Close()
	defer c2.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := serverUpgrade(c2)
		errc <- err
	}()

	leftover, err := clientUpgrade(c1, "test-client")
	if err != nil {
		t.Fatalf("clientUpgrade: %v", err)
	}
	if len(leftover) != 0 {
		t.Errorf("unexpected leftover: %d bytes", len(leftover))
	}
	if err := <-errc; err != nil {
		t.Fatalf("serverUpgrade: %v", err)
	}
}

func TestValidateUpgradeHeaders(t *testing.T) {
	c1, c2 := nettest.NewConn("upgrade-bad", 4096)
	defer c1.Close()
	defer c2.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := serverUpgrade(c2)
		errc <- err
	}()

	if _, err := c1.Write([]byte("GET /derp HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err == nil {
		t.Fatal("serverUpgrade succeeded on a request missing Upgrade/Connection headers")
	}
}

func TestClientInfoSealOpen(t *testing.T) {
	var serverPriv, clientPriv [32]byte
	if _, err := rand.Read(serverPriv[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(clientPriv[:]); err != nil {
		t.Fatal(err)
	}
	sp := key.Private(serverPriv)
	cp := key.Private(clientPriv)

	c1, c2 := nettest.NewConn("clientinfo", 4096)
	defer c1.Close()
	defer c2.Close()

	bw := bufio.NewWriter(c1)
	var nonce [nonceLen]byte
	info := clientInfo{Version: ProtocolVersion, MeshKey: "mk"}
	if err := writeClientInfoFrame(bw, cp, sp.Public(), info, nonce); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c2)
	gotPub, gotMeshKey, err := readClientInfoFrame(br, sp)
	if err != nil {
		t.Fatal(err)
	}
	if gotPub != cp.Public() {
		t.Errorf("got client pub %v; want %v", gotPub, cp.Public())
	}
	if gotMeshKey != "mk" {
		t.Errorf("got mesh key %q; want %q", gotMeshKey, "mk")
	}
}

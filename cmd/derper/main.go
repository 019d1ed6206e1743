// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The derper command runs a standalone relay: it accepts client
// connections, routes packets between them, and optionally meshes with
// other derper instances.
package main

import (
	"bufio"
	"flag"
	"log"
	"net"
	"os"
	"strings"

	"github.com/tomaszklak/derp/derp"
	"github.com/tomaszklak/derp/types/key"
	"github.com/tomaszklak/derp/types/logger"
)

var (
	addr           = flag.String("a", ":4443", "address to listen on")
	meshKeyFile    = flag.String("mesh-key-file", "", "path to a file containing the mesh pre-shared key; empty disables meshing")
	rateLimitBps   = flag.Int("client-send-bytes-per-sec", 0, "per-client token-bucket send rate advertised to clients; 0 disables rate limiting")
	rateLimitBurst = flag.Int("client-send-burst-bytes", 0, "per-client token-bucket burst size advertised to clients; ignored when the rate is 0")
)

func main() {
	flag.Parse()
	meshPeers := flag.Args()

	logf := logger.Logf(log.Printf)

	priv, err := key.NewPrivate()
	if err != nil {
		log.Fatalf("derper: generating private key: %v", err)
	}
	s := derp.NewServer(priv, logf)
	defer s.Close()

	if *rateLimitBps > 0 {
		s.SetRateLimit(*rateLimitBps, *rateLimitBurst)
	}

	if *meshKeyFile != "" {
		mk, err := readMeshKey(*meshKeyFile)
		if err != nil {
			log.Fatalf("derper: %v", err)
		}
		s.SetMeshKey(mk)
		for _, peer := range meshPeers {
			go func(peer string) {
				if err := s.AddMeshPeer(peer, mk, logf); err != nil {
					logf("derper: mesh peer %s ended: %v", peer, err)
				}
			}(peer)
		}
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("derper: listen on %s: %v", *addr, err)
	}
	logf("derper: listening on %s, pubkey %s", *addr, s.PublicKey())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("derper: accept: %v", err)
		}
		go serve(s, conn, logf)
	}
}

func serve(s *derp.Server, conn net.Conn, logf logger.Logf) {
	brw := &bufio.ReadWriter{Reader: bufio.NewReader(conn), Writer: bufio.NewWriter(conn)}
	if err := s.Accept(conn, brw, conn.RemoteAddr().String()); err != nil {
		logf("derper: %v", err)
	}
}

func readMeshKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

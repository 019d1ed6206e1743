// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"expvar"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/tomaszklak/derp/types/key"
	"github.com/tomaszklak/derp/types/logger"
)

// serviceCmd is the command vocabulary accepted by the Server's single
// command-processing goroutine (§4.D). Every mutation of the clients and
// mesh directories happens by sending one of these on Server.cmds; no
// other goroutine ever touches the directories directly.
type serviceCmd interface {
	serviceCmd()
}

// cmdRegister inserts a newly handshaken, already admitted connection into
// the clients directory. Accept sends it after starting the connection's
// worker and does not wait for it to be processed.
type cmdRegister struct {
	key     key.Public
	canMesh bool
	sink    Sink
}

// cmdSend asks the service to route one packet, local-clients-first, then
// mesh, then drop (§4.C / §4.D).
type cmdSend struct {
	src, dst key.Public
	payload  []byte
}

// cmdSubscribe admits peer as a mesh connection: it is added to the mesh
// directory and, asynchronously, told about every client already known
// whose key is not itself in the mesh directory.
type cmdSubscribe struct {
	peer key.Public
	sink Sink
}

// cmdPeerPresent reports (from a mesh peer, or tolerated from a plain
// client) that key is reachable via sink. If key is not already a known
// client, a pseudo-entry is inserted so future Sends to it route there.
type cmdPeerPresent struct {
	key  key.Public
	sink Sink
}

// cmdUnregister removes key's directory entry, but only if it still points
// at sink: a connection that lost a register/admit race must not evict the
// connection that superseded it.
type cmdUnregister struct {
	key  key.Public
	sink Sink
}

// cmdNotePreferred updates whether key currently considers this relay its
// home, for the curHomeClients metric.
type cmdNotePreferred struct {
	key       key.Public
	preferred bool
}

// cmdStop asks the command loop to exit.
type cmdStop struct{}

func (cmdRegister) serviceCmd()      {}
func (cmdSend) serviceCmd()          {}
func (cmdSubscribe) serviceCmd()     {}
func (cmdPeerPresent) serviceCmd()   {}
func (cmdUnregister) serviceCmd()    {}
func (cmdNotePreferred) serviceCmd() {}
func (cmdStop) serviceCmd()          {}

// clientRecord is one entry of the clients directory: a routing sink, plus
// the bookkeeping PeerGone and NotePreferred need. canMesh is false for
// pseudo-entries (inserted via PeerPresent) since they never run a
// writerLoop of their own.
type clientRecord struct {
	sink     Sink
	canMesh  bool
	isHome   bool
	sentFrom map[key.Public]bool
}

// Server is the routing service of §4.D: a single goroutine owns the
// clients and mesh directories outright, and every other goroutine reaches
// them only by sending a serviceCmd. There is no lock over directory
// state — the actor's command loop is the only reader and writer of it.
type Server struct {
	privateKey key.Private
	publicKey  key.Public
	logf       logger.Logf

	// WriteTimeout bounds a single frame write to any connection before it
	// is torn down. Zero means defaultWriteTimeout.
	WriteTimeout time.Duration

	cmds chan serviceCmd
	stop chan struct{}

	mu      sync.Mutex // guards meshKey and the rate limit hint; read by Accept goroutines concurrently with the command loop
	meshKey string

	rateLimitBytesPerSecond int
	rateLimitBytesBurst     int

	curClients     expvar.Int
	curHomeClients expvar.Int
	curMeshConns   expvar.Int
	packetsSent    expvar.Int
	packetsDropped expvar.Int
	dupClientKeys  expvar.Int

	metaCertOnce sync.Once
	metaCert     []byte
	metaCertKey  *ecdsa.PrivateKey
}

// NewServer creates a Server identified by priv. The command loop starts
// immediately in its own goroutine and runs until Close.
func NewServer(priv key.Private, logf logger.Logf) *Server {
	if logf == nil {
		logf = logger.Discard
	}
	s := &Server{
		privateKey: priv,
		publicKey:  priv.Public(),
		logf:       logf,
		cmds:       make(chan serviceCmd, 64),
		stop:       make(chan struct{}),
	}
	go s.run()
	return s
}

// PublicKey returns the relay's own public key, sent in the ServerKey
// greeting.
func (s *Server) PublicKey() key.Public { return s.publicKey }

// SetMeshKey sets the shared secret that admits a connection to the mesh
// directory instead of the plain clients directory (§4.B admission table).
// An empty string disables mesh admission entirely.
func (s *Server) SetMeshKey(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meshKey = k
}

func (s *Server) hasMeshKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meshKey, s.meshKey != ""
}

// SetRateLimit advertises a per-connection token-bucket rate to every
// client admitted from now on, via the ServerInfo frame (§6): bytesPerSec
// is the bucket's refill rate, burst its capacity. A zero bytesPerSec (the
// default) advertises no limit, and Client.Recv's setSendRateLimiter
// leaves the client's own sends unthrottled.
func (s *Server) SetRateLimit(bytesPerSec, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitBytesPerSecond = bytesPerSec
	s.rateLimitBytesBurst = burst
}

func (s *Server) rateLimit() (bytesPerSec, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimitBytesPerSecond, s.rateLimitBytesBurst
}

func (s *Server) writeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return defaultWriteTimeout
}

// Close stops the command loop. Connections already accepted keep running
// until their own sockets error; Close does not forcibly close them.
func (s *Server) Close() error {
	close(s.stop)
	return nil
}

// Accept runs the handshake of §4.B to completion on conn and, on success,
// registers the resulting connection and starts its worker. It blocks
// until the connection is admitted or rejected; the connection's own
// reader/writer goroutines outlive Accept's return.
func (s *Server) Accept(conn net.Conn, brw *bufio.ReadWriter, remoteAddr string) error {
	leftover, err := serverUpgrade(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("derp: upgrade from %s: %w", remoteAddr, err)
	}

	bw := brw.Writer
	if bw == nil {
		bw = bufio.NewWriter(conn)
	}
	if err := writeServerKeyFrame(bw, s.publicKey); err != nil {
		conn.Close()
		return fmt.Errorf("derp: server key to %s: %w", remoteAddr, err)
	}

	br := readerFor(conn, leftover)
	clientPub, clientMeshKey, err := readClientInfoFrame(br, s.privateKey)
	if err != nil {
		conn.Close()
		return fmt.Errorf("derp: client info from %s: %w", remoteAddr, err)
	}

	canMesh, err := s.admit(clientPub, clientMeshKey)
	if err != nil {
		conn.Close()
		return fmt.Errorf("derp: admission of %s from %s: %w", clientPub.ShortString(), remoteAddr, err)
	}

	bytesPerSec, burst := s.rateLimit()
	info := serverInfo{TokenBucketBytesPerSecond: bytesPerSec, TokenBucketBytesBurst: burst}
	if err := writeServerInfoFrame(bw, info); err != nil {
		conn.Close()
		return fmt.Errorf("derp: server info to %s: %w", remoteAddr, err)
	}

	sink := startConnWorker(conn, bw, br, clientPub, canMesh, s.cmds, s.writeTimeout(), s.logf)
	s.cmds <- cmdRegister{key: clientPub, canMesh: canMesh, sink: sink}
	return nil
}

// admit implements the admission policy table of §4.B: neither side
// presenting a mesh key, or both presenting an equal one, admits the
// connection (plain or mesh, respectively); a one-sided or mismatched mesh
// key is rejected outright.
func (s *Server) admit(clientPub key.Public, clientMeshKey string) (canMesh bool, err error) {
	serverMeshKey, serverHas := s.hasMeshKey()
	clientHas := clientMeshKey != ""

	switch {
	case !serverHas && !clientHas:
		return false, nil
	case !serverHas && clientHas:
		return false, fmt.Errorf("client presented a mesh key but this relay has none configured")
	case serverHas && !clientHas:
		return false, nil
	case clientMeshKey != serverMeshKey:
		return false, fmt.Errorf("mesh key mismatch")
	default:
		return true, nil
	}
}

// run is the Server's single command-processing goroutine: the only code
// in the package that reads or writes the clients/mesh directories.
func (s *Server) run() {
	clients := make(map[key.Public]*clientRecord)
	mesh := make(map[key.Public]Sink)

	for {
		select {
		case <-s.stop:
			return
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case cmdRegister:
				s.handleRegister(clients, mesh, c)
			case cmdSend:
				s.handleSend(clients, mesh, c)
			case cmdSubscribe:
				s.handleSubscribe(clients, mesh, c)
			case cmdPeerPresent:
				s.handlePeerPresent(clients, c)
			case cmdUnregister:
				s.handleUnregister(clients, mesh, c)
			case cmdNotePreferred:
				s.handleNotePreferred(clients, c)
			case cmdStop:
				return
			}
		}
	}
}

func (s *Server) handleRegister(clients map[key.Public]*clientRecord, mesh map[key.Public]Sink, c cmdRegister) {
	if old, ok := clients[c.key]; ok {
		s.logf("derp: %s: registering over an existing connection, old one is now orphaned", c.key.ShortString())
		s.dupClientKeys.Add(1)
		_ = old
	} else {
		s.curClients.Add(1)
	}
	clients[c.key] = &clientRecord{sink: c.sink, canMesh: c.canMesh, sentFrom: map[key.Public]bool{}}

	// Flood presence to the mesh off the hot path: a slow mesh peer must
	// not stall admission of the next client.
	peers := snapshotSinks(mesh)
	go func() {
		for _, peerSink := range peers {
			peerSink.Send(wcPeerPresent{key: c.key})
		}
	}()
}

func (s *Server) handleSend(clients map[key.Public]*clientRecord, mesh map[key.Public]Sink, c cmdSend) {
	if rec, ok := clients[c.dst]; ok {
		rec.sentFrom[c.src] = true
		if rec.sink.Send(wcDeliver{src: c.src, dst: c.dst, payload: c.payload}) {
			s.packetsSent.Add(1)
		} else {
			s.packetsDropped.Add(1)
		}
		return
	}
	if meshSink, ok := mesh[c.dst]; ok {
		if meshSink.Send(wcDeliver{src: c.src, dst: c.dst, payload: c.payload}) {
			s.packetsSent.Add(1)
		} else {
			s.packetsDropped.Add(1)
		}
		return
	}
	s.packetsDropped.Add(1)
}

func (s *Server) handleSubscribe(clients map[key.Public]*clientRecord, mesh map[key.Public]Sink, c cmdSubscribe) {
	if _, ok := mesh[c.peer]; ok {
		s.logf("derp: %s: duplicate WatchConns subscription, replacing", c.peer.ShortString())
	} else {
		s.curMeshConns.Add(1)
	}
	mesh[c.peer] = c.sink

	var known []key.Public
	for k := range clients {
		if _, isMesh := mesh[k]; !isMesh {
			known = append(known, k)
		}
	}
	sink := c.sink
	go func() {
		for _, k := range known {
			sink.Send(wcPeerPresent{key: k})
		}
	}()
}

func (s *Server) handlePeerPresent(clients map[key.Public]*clientRecord, c cmdPeerPresent) {
	if _, ok := clients[c.key]; ok {
		s.logf("derp: %s: PeerPresent for an already-known client, ignoring", c.key.ShortString())
		return
	}
	clients[c.key] = &clientRecord{sink: c.sink, sentFrom: map[key.Public]bool{}}
	s.curClients.Add(1)
}

// handleUnregister drops c.key's own directory entry, plus every pseudo-entry
// handlePeerPresent inserted for a remote client reachable only through this
// same sink: a mesh connection's death must take its whole batch of
// PeerPresent-announced keys down with it, not just the peer relay's own key,
// or they'd sit in clients forever pointing at a sink nothing ever drains
// again (§3 Lifecycle).
func (s *Server) handleUnregister(clients map[key.Public]*clientRecord, mesh map[key.Public]Sink, c cmdUnregister) {
	var gone []key.Public
	for k, rec := range clients {
		if rec.sink != c.sink {
			continue
		}
		delete(clients, k)
		gone = append(gone, k)
		s.curClients.Add(-1)
		if rec.isHome {
			s.curHomeClients.Add(-1)
		}
		for sender := range rec.sentFrom {
			if senderRec, ok := clients[sender]; ok {
				senderRec.sink.Send(wcPeerGone{key: k})
			}
		}
	}
	if meshSink, ok := mesh[c.key]; ok && meshSink == c.sink {
		delete(mesh, c.key)
		s.curMeshConns.Add(-1)
	}

	// Tell every remaining mesh watcher which keys went away, off the hot
	// path like the presence flood in handleRegister.
	if len(gone) > 0 {
		peers := snapshotSinks(mesh)
		go func() {
			for _, peerSink := range peers {
				for _, k := range gone {
					peerSink.Send(wcPeerGone{key: k})
				}
			}
		}()
	}
}

func (s *Server) handleNotePreferred(clients map[key.Public]*clientRecord, c cmdNotePreferred) {
	rec, ok := clients[c.key]
	if !ok {
		return
	}
	if rec.isHome == c.preferred {
		return
	}
	rec.isHome = c.preferred
	if c.preferred {
		s.curHomeClients.Add(1)
	} else {
		s.curHomeClients.Add(-1)
	}
}

func snapshotSinks(mesh map[key.Public]Sink) []Sink {
	out := make([]Sink, 0, len(mesh))
	for _, sink := range mesh {
		out = append(out, sink)
	}
	return out
}

// MetaCert returns a self-signed certificate whose CommonName encodes the
// relay's public key, for out-of-band discovery over a TLS ALPN/SNI probe
// that never completes a real handshake. The certificate is generated once
// and cached.
func (s *Server) MetaCert() []byte {
	s.metaCertOnce.Do(func() {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("derp: MetaCert: " + err.Error())
		}
		s.metaCertKey = priv
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(ProtocolVersion),
			Subject: pkix.Name{
				CommonName: fmt.Sprintf("derpkey%s", s.publicKey.String()),
			},
			NotBefore:             time.Unix(0, 0),
			NotAfter:              time.Unix(0, 0).AddDate(100, 0, 0),
			BasicConstraintsValid: true,
			IsCA:                  true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
		if err != nil {
			panic("derp: MetaCert: " + err.Error())
		}
		s.metaCert = der
	})
	return s.metaCert
}

// TLSConfig returns a tls.Config whose GetCertificate always answers with
// MetaCert, for servers that want to expose key discovery on the same port
// as their real TLS listener via ALPN.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return &tls.Certificate{
				Certificate: [][]byte{s.MetaCert()},
				PrivateKey:  s.metaCertKey,
			}, nil
		},
	}
}

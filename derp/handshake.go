// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/tomaszklak/derp/types/key"
)

// upgradeReadSize is how much of the initial HTTP upgrade request (server
// side) or response (client side) a single Read call is allowed to
// consume before the handshake is declared malformed.
const upgradeReadSize = 4096

// serverUpgrade performs the server side of §4.B step 1: read up to
// upgradeReadSize bytes, require a complete HTTP/1.1 request with
// Upgrade: WebSocket|derp and Connection: Upgrade, and answer "200 OK".
// Any anomaly fails the connection before a single reply byte is sent. Any
// bytes read past the request's header terminator belong to the frame
// stream and are returned as leftover, exactly as clientUpgrade does for
// the dialing side.
func serverUpgrade(conn net.Conn) (leftover []byte, err error) {
	buf := make([]byte, upgradeReadSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("derp: upgrade read: %w", err)
	}
	if n == 0 {
		return nil, decodeErrorf("empty upgrade request")
	}
	buf = buf[:n]

	hdrEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if hdrEnd < 0 {
		return nil, decodeErrorf("oversize or incomplete upgrade request (%d bytes, no header terminator)", n)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:hdrEnd+4])))
	if err != nil {
		return nil, decodeErrorf("malformed upgrade request: %v", err)
	}
	if err := validateUpgradeHeaders(req.Header); err != nil {
		return nil, err
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[hdrEnd+4:]...), nil
}

func validateUpgradeHeaders(h http.Header) error {
	upgrade := strings.ToLower(strings.TrimSpace(h.Get("Upgrade")))
	if upgrade != "websocket" && upgrade != "derp" {
		return decodeErrorf("unexpected Upgrade header %q", h.Get("Upgrade"))
	}
	hasUpgrade := false
	for _, part := range strings.Split(h.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "upgrade") {
			hasUpgrade = true
			break
		}
	}
	if !hasUpgrade {
		return decodeErrorf("unexpected Connection header %q", h.Get("Connection"))
	}
	return nil
}

// clientUpgrade performs the client side of §4.B step 1: send the HTTP
// upgrade request and read the response. Any bytes read past the "200 OK"
// response belong to the frame stream and are returned as leftover, to be
// prepended to subsequent reads.
func clientUpgrade(conn net.Conn, userAgent string) (leftover []byte, err error) {
	req := fmt.Sprintf(
		"GET /derp HTTP/1.1\r\n"+
			"Connection: Upgrade\r\n"+
			"Upgrade: WebSocket\r\n"+
			"User-Agent: %s\r\n\r\n", userAgent)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("derp: upgrade write: %w", err)
	}

	buf := make([]byte, upgradeReadSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("derp: upgrade response read: %w", err)
	}
	buf = buf[:n]

	hdrEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if hdrEnd < 0 {
		return nil, decodeErrorf("incomplete upgrade response (%d bytes)", n)
	}
	statusLine := buf[:bytes.IndexByte(buf, '\n')]
	if !bytes.Contains(statusLine, []byte(" 200")) {
		return nil, decodeErrorf("unexpected upgrade response status: %q", statusLine)
	}
	return append([]byte(nil), buf[hdrEnd+4:]...), nil
}

// readerFor builds a bufio.Reader that serves any leftover bytes captured
// during the HTTP upgrade before falling through to conn.
func readerFor(conn net.Conn, leftover []byte) *bufio.Reader {
	if len(leftover) == 0 {
		return bufio.NewReader(conn)
	}
	return bufio.NewReader(io.MultiReader(bytes.NewReader(leftover), conn))
}

// writeServerKeyFrame emits the ServerKey greeting (§4.B step 2 / §6).
func writeServerKeyFrame(bw *bufio.Writer, pub key.Public) error {
	body := make([]byte, 0, len(magic)+keyLen)
	body = append(body, magic[:]...)
	body = append(body, pub[:]...)
	if err := writeFrame(bw, frameServerKey, body); err != nil {
		return err
	}
	return bw.Flush()
}

// readServerKeyFrame reads and validates the ServerKey greeting (client
// side of §4.B step 2).
func readServerKeyFrame(br *bufio.Reader) (key.Public, error) {
	var buf [len(magic) + keyLen]byte
	t, n, err := readFrame(br, 1<<10, buf[:])
	if err == io.ErrShortBuffer {
		// Future-proofing: allow the server to send extra greeting bytes.
		err = nil
	}
	if err != nil {
		return key.Public{}, err
	}
	if t != frameServerKey {
		return key.Public{}, decodeErrorf("expected ServerKey frame, got %s", t)
	}
	if n < uint32(len(buf)) || !bytes.Equal(buf[:len(magic)], magic[:]) {
		return key.Public{}, decodeErrorf("invalid server greeting")
	}
	var pub key.Public
	copy(pub[:], buf[len(magic):])
	return pub, nil
}

// readClientInfoFrame reads and decrypts the ClientInfo frame (server side
// of §4.B step 3).
func readClientInfoFrame(br *bufio.Reader, serverPriv key.Private) (clientPub key.Public, meshKey string, err error) {
	t, length, err := readFrameHeader(br)
	if err != nil {
		return key.Public{}, "", err
	}
	if t != frameClientInfo {
		return key.Public{}, "", decodeErrorf("expected ClientInfo frame, got %s", t)
	}
	if length > maxInfoLen {
		return key.Public{}, "", decodeErrorf("ClientInfo frame too large: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return key.Public{}, "", err
	}
	if err := requireAtLeast(body, keyLen+nonceLen, "ClientInfo"); err != nil {
		return key.Public{}, "", err
	}
	copy(clientPub[:], body[:keyLen])
	var nonce [nonceLen]byte
	copy(nonce[:], body[keyLen:keyLen+nonceLen])
	ciphertext := body[keyLen+nonceLen:]

	plain, ok := box.Open(nil, ciphertext, &nonce, clientPub.B32(), serverPriv.B32())
	if !ok {
		return key.Public{}, "", decodeErrorf("ClientInfo: failed to open box from %s", clientPub.ShortString())
	}
	var info clientInfo
	if err := json.Unmarshal(plain, &info); err != nil {
		return key.Public{}, "", decodeErrorf("ClientInfo: invalid JSON: %v", err)
	}
	if info.Version != ProtocolVersion {
		return key.Public{}, "", decodeErrorf("ClientInfo: unsupported version %d", info.Version)
	}
	return clientPub, info.MeshKey, nil
}

// writeClientInfoFrame seals and writes the ClientInfo frame (client side
// of §4.B step 3).
func writeClientInfoFrame(bw *bufio.Writer, priv key.Private, serverPub key.Public, info clientInfo, nonce [nonceLen]byte) error {
	msg, err := json.Marshal(info)
	if err != nil {
		return err
	}
	sealed := box.Seal(nil, msg, &nonce, serverPub.B32(), priv.B32())

	pub := priv.Public()
	body := make([]byte, 0, keyLen+nonceLen+len(sealed))
	body = append(body, pub[:]...)
	body = append(body, nonce[:]...)
	body = append(body, sealed...)
	if err := writeFrame(bw, frameClientInfo, body); err != nil {
		return err
	}
	return bw.Flush()
}

// writeServerInfoFrame emits the ServerInfo frame (§4.B step 4).
func writeServerInfoFrame(bw *bufio.Writer, info serverInfo) error {
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := writeFrame(bw, frameServerInfo, body); err != nil {
		return err
	}
	return bw.Flush()
}

// readServerInfoFrame reads and parses the ServerInfo frame (client side
// of §4.B step 4). An empty body decodes to the zero serverInfo.
func readServerInfoFrame(body []byte) (serverInfo, error) {
	if len(body) == 0 {
		return serverInfo{}, nil
	}
	var info serverInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return serverInfo{}, decodeErrorf("ServerInfo: invalid JSON: %v", err)
	}
	return info, nil
}

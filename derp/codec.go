// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"encoding/binary"
	"io"
)

// ---- wire-level primitives shared by Client and the connection worker ----

func writeUint32(bw *bufio.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := bw.Write(b[:])
	return err
}

func readUint32(br *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// writeFrameHeader writes a frame's type+length header (but not its body).
func writeFrameHeader(bw *bufio.Writer, t frameType, length uint32) error {
	if err := bw.WriteByte(byte(t)); err != nil {
		return err
	}
	return writeUint32(bw, length)
}

// writeFrame writes a complete frame (header and body) and does not flush.
func writeFrame(bw *bufio.Writer, t frameType, body []byte) error {
	if len(body) > 10<<20 {
		return decodeErrorf("frame body too large: %d bytes", len(body))
	}
	if err := writeFrameHeader(bw, t, uint32(len(body))); err != nil {
		return err
	}
	_, err := bw.Write(body)
	return err
}

// readFrameHeader reads a frame's type+length header from br.
func readFrameHeader(br *bufio.Reader) (t frameType, length uint32, err error) {
	tb, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	length, err = readUint32(br)
	if err != nil {
		return 0, 0, err
	}
	return frameType(tb), length, nil
}

// readFrame reads a frame's header and up to len(b) bytes of its body into
// b. If the frame's declared length exceeds len(b), it returns
// io.ErrShortBuffer along with the frame's type and length; the caller
// decides whether that's fatal (it is not, for a greeting frame whose
// fixed prefix the caller already has room for).
func readFrame(br *bufio.Reader, maxSize int, b []byte) (t frameType, length uint32, err error) {
	t, length, err = readFrameHeader(br)
	if err != nil {
		return 0, 0, err
	}
	if length > uint32(maxSize) {
		return 0, 0, decodeErrorf("frame length %d exceeds maximum %d", length, maxSize)
	}
	if int(length) > len(b) {
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, 0, err
		}
		if _, err := io.CopyN(io.Discard, br, int64(length)-int64(len(b))); err != nil {
			return 0, 0, err
		}
		return t, length, io.ErrShortBuffer
	}
	if _, err := io.ReadFull(br, b[:length]); err != nil {
		return 0, 0, err
	}
	return t, length, nil
}

// ---- pure byte-slice codec (§4.A): decode(stream) -> frame | InsufficientData | DecodeError ----

// rawFrame is the generic, not-yet-interpreted shape of a frame: a type
// tag and its raw body bytes.
type rawFrame struct {
	Type frameType
	Body []byte
}

// encode emits a frame's wire bytes: type(1B) | length(4B BE) | body. This
// is the length-wrapped combinator from §4.A applied at the outer,
// frame-envelope level: the length field is exactly a size prefix around
// the inner (body) value.
func encode(f rawFrame) []byte {
	out := make([]byte, frameHeaderLen+len(f.Body))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(f.Body)))
	copy(out[5:], f.Body)
	return out
}

// decode reads one frame from the front of buf. It never consumes input on
// ErrInsufficientData: the caller must supply more bytes and retry. A
// DecodeError is fatal to the connection the stream belongs to.
func decode(buf []byte) (f rawFrame, consumed int, err error) {
	if len(buf) < frameHeaderLen {
		return rawFrame{}, 0, ErrInsufficientData
	}
	t := frameType(buf[0])
	length := binary.BigEndian.Uint32(buf[1:5])
	if length > 10<<20 {
		return rawFrame{}, 0, decodeErrorf("frame length %d implausibly large", length)
	}
	total := frameHeaderLen + int(length)
	if len(buf) < total {
		return rawFrame{}, 0, ErrInsufficientData
	}
	body := make([]byte, length)
	copy(body, buf[frameHeaderLen:total])
	return rawFrame{Type: t, Body: body}, total, nil
}

// requireExact enforces the length-wrapped codec's exact-consume rule for
// sub-decoders over a fixed-width body: any body longer or shorter than n
// is a DecodeError, never a silently accepted/truncated value.
func requireExact(body []byte, n int, what string) error {
	if len(body) != n {
		return decodeErrorf("%s: want %d bytes, got %d", what, n, len(body))
	}
	return nil
}

// requireAtLeast enforces a minimum body length for sub-decoders whose
// trailing field consumes to the end of the body (SendPacket, RecvPacket,
// ForwardPacket).
func requireAtLeast(body []byte, n int, what string) error {
	if len(body) < n {
		return decodeErrorf("%s: want at least %d bytes, got %d", what, n, len(body))
	}
	return nil
}

// StreamDecoder incrementally extracts frames from a byte stream, per the
// Design Notes' "stream-buffered decoder": bytes are appended as they
// arrive and Next is retried until it stops returning ErrInsufficientData.
type StreamDecoder struct {
	buf []byte
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *StreamDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to extract one complete frame from the buffered bytes. It
// returns ErrInsufficientData if no complete frame is buffered yet.
func (d *StreamDecoder) Next() (rawFrame, error) {
	f, n, err := decode(d.buf)
	if err != nil {
		return rawFrame{}, err
	}
	rest := make([]byte, len(d.buf)-n)
	copy(rest, d.buf[n:])
	d.buf = rest
	return f, nil
}

// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package derp

import (
	"bufio"
	"bytes"
	"io/ioutil"
	"testing"
)

func TestWriteReadFrameHeader(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := writeFrameHeader(bw, frameSendPacket, 42); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(&buf)
	ty, n, err := readFrameHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	if ty != frameSendPacket || n != 42 {
		t.Fatalf("got (%v, %d); want (%v, 42)", ty, n, frameSendPacket)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := rawFrame{Type: framePeerPresent, Body: []byte("0123456789012345678901234567890123456789")}
	wire := encode(f)

	got, n, err := decode(wire)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(wire) {
		t.Errorf("consumed %d; want %d", n, len(wire))
	}
	if got.Type != f.Type || !bytes.Equal(got.Body, f.Body) {
		t.Errorf("got %+v; want %+v", got, f)
	}
}

func TestDecodeInsufficientData(t *testing.T) {
	full := encode(rawFrame{Type: frameKeepAlive, Body: []byte("hello")})
	for n := 0; n < len(full)-1; n++ {
		if _, _, err := decode(full[:n]); err != ErrInsufficientData {
			t.Errorf("decode(%d bytes) = %v; want ErrInsufficientData", n, err)
		}
	}
	if _, _, err := decode(full); err != nil {
		t.Errorf("decode(full) = %v; want nil", err)
	}
}

func TestDecodeImplausibleLength(t *testing.T) {
	buf := []byte{byte(frameSendPacket), 0xff, 0xff, 0xff, 0xff}
	_, _, err := decode(buf)
	if _, ok := err.(*DecodeError); !ok {
		t.Fatalf("got %v (%T); want *DecodeError", err, err)
	}
}

func TestStreamDecoderAcrossFeeds(t *testing.T) {
	f1 := encode(rawFrame{Type: framePing, Body: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	f2 := encode(rawFrame{Type: framePong, Body: []byte{8, 7, 6, 5, 4, 3, 2, 1}})
	all := append(append([]byte(nil), f1...), f2...)

	var dec StreamDecoder
	// Feed one byte at a time: Next must keep reporting ErrInsufficientData
	// until a complete frame is buffered, and never consume early.
	var got []rawFrame
	for i := 0; i < len(all); i++ {
		dec.Feed(all[i : i+1])
		for {
			f, err := dec.Next()
			if err == ErrInsufficientData {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, f)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames; want 2", len(got))
	}
	if got[0].Type != framePing || got[1].Type != framePong {
		t.Errorf("got types %v, %v; want Ping, Pong", got[0].Type, got[1].Type)
	}
}

func TestRequireExactAndAtLeast(t *testing.T) {
	if err := requireExact([]byte{1, 2, 3}, 3, "x"); err != nil {
		t.Errorf("requireExact(3,3) = %v; want nil", err)
	}
	if err := requireExact([]byte{1, 2}, 3, "x"); err == nil {
		t.Errorf("requireExact(2,3) = nil; want error")
	}
	if err := requireAtLeast([]byte{1, 2, 3}, 2, "x"); err != nil {
		t.Errorf("requireAtLeast(3,>=2) = %v; want nil", err)
	}
	if err := requireAtLeast([]byte{1}, 2, "x"); err == nil {
		t.Errorf("requireAtLeast(1,>=2) = nil; want error")
	}
}

func BenchmarkWriteUint32(b *testing.B) {
	w := bufio.NewWriter(ioutil.Discard)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		writeUint32(w, 0x0ba3a)
	}
}

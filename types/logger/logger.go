// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger defines the logging abstraction used throughout the
// relay: a bare function type, so callers don't depend on any particular
// logging package.
package logger

import (
	"bufio"
	"bytes"
	"fmt"
)

// Logf is the basic logging function type used across the relay.
type Logf func(format string, args ...any)

// Discard is a Logf that throws away everything logged to it.
func Discard(string, ...any) {}

// WithPrefix wraps logf, prepending every formatted message with prefix.
func WithPrefix(logf Logf, prefix string) Logf {
	if prefix == "" {
		return logf
	}
	return func(format string, args ...any) {
		logf(prefix+format, args...)
	}
}

// ArgWriter is a fmt.Stringer that lazily renders via an io.Writer
// function, so that an expensive-to-format argument to Logf is only
// formatted when the log line is actually emitted.
type ArgWriter func(*bufio.Writer)

func (fn ArgWriter) String() string {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	fn(bw)
	bw.Flush()
	return buf.String()
}

// Fmt is a helper equivalent to fmt.Sprintf, kept here so call sites can
// avoid importing both "fmt" and this package just to build a one-off Logf
// argument.
func Fmt(format string, args ...any) string { return fmt.Sprintf(format, args...) }

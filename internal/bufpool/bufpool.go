// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools payload buffers used while encoding and decoding
// message bodies.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers grown past this size are left to the GC.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the contents of b and returns b to the pool.
func Detach(b *bytes.Buffer) []byte {
	out := bytes.Clone(b.Bytes())
	if out == nil {
		out = []byte{}
	}
	Put(b)
	return out
}

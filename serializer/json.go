// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/absmach/nanobus/internal/bufpool"
	"github.com/klauspost/compress/flate"
)

// DefaultDeflateLevel is the compression level used by New(EngineDeflateJSON).
const DefaultDeflateLevel = flate.BestSpeed

var _ Serializer = JSON{}

// JSON encodes messages with encoding/json.
type JSON struct{}

func (JSON) Engine() Engine      { return EngineJSON }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Deserialize(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = (*DeflateJSON)(nil)

// DeflateJSON encodes messages as JSON compressed with raw deflate.
type DeflateJSON struct {
	level int
}

// NewDeflateJSON returns a DeflateJSON serializer using a flate level
// between flate.HuffmanOnly and flate.BestCompression.
func NewDeflateJSON(level int) *DeflateJSON {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = DefaultDeflateLevel
	}
	return &DeflateJSON{level: level}
}

func (d *DeflateJSON) Engine() Engine      { return EngineDeflateJSON }
func (d *DeflateJSON) ContentType() string { return "application/json" }

// ContentEncoding reports the raw deflate body encoding.
func (d *DeflateJSON) ContentEncoding() string { return "deflate" }

func (d *DeflateJSON) Serialize(v any) ([]byte, error) {
	buf := bufpool.Get()

	w, err := flate.NewWriter(buf, d.level)
	if err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	if err := w.Close(); err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("failed to flush deflate stream: %w", err)
	}
	return bufpool.Detach(buf), nil
}

func (d *DeflateJSON) Deserialize(data []byte, v any) error {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if _, err := buf.ReadFrom(r); err != nil {
		return fmt.Errorf("failed to inflate payload: %w", err)
	}
	return json.Unmarshal(buf.Bytes(), v)
}

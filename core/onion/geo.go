// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/veilmsg/veil/core/pki"
)

const (
	// LengthPrefixSize is the size of each layer's big endian length prefix.
	LengthPrefixSize = 2

	// MaxLayerSize is the largest ciphertext a length prefix can describe.
	MaxLayerSize = 1<<16 - 1

	defaultMaxEnvelopeSize = LengthPrefixSize + MaxLayerSize
	defaultMaxLayerGrowth  = 1024
)

// Geometry bounds the size of the envelopes a Codec produces.
type Geometry struct {
	// MaxEnvelopeSize is the largest serialized envelope, length prefix
	// included.
	MaxEnvelopeSize int

	// MaxLayerGrowth is the largest expansion a single encryption may add
	// to its plaintext.
	MaxLayerGrowth int
}

// DefaultGeometry returns the geometry that allows the largest envelope the
// wire format can carry.
func DefaultGeometry() *Geometry {
	return &Geometry{
		MaxEnvelopeSize: defaultMaxEnvelopeSize,
		MaxLayerGrowth:  defaultMaxLayerGrowth,
	}
}

// Validate returns an error if the geometry cannot produce any envelope.
func (g *Geometry) Validate() error {
	switch {
	case g.MaxEnvelopeSize > defaultMaxEnvelopeSize:
		return fmt.Errorf("onion: MaxEnvelopeSize %d exceeds %d", g.MaxEnvelopeSize, defaultMaxEnvelopeSize)
	case g.MaxLayerGrowth <= 0:
		return fmt.Errorf("onion: invalid MaxLayerGrowth: %d", g.MaxLayerGrowth)
	case g.MaxEnvelopeSize < LengthPrefixSize+pki.AddressSize+g.MaxLayerGrowth:
		return fmt.Errorf("onion: MaxEnvelopeSize %d cannot hold a single layer", g.MaxEnvelopeSize)
	}
	return nil
}

// MaxPayloadSize returns the largest payload that is guaranteed to fit in
// an envelope of the given number of layers.
func (g *Geometry) MaxPayloadSize(layers int) int {
	n := g.MaxEnvelopeSize - layers*(LengthPrefixSize+pki.AddressSize+g.MaxLayerGrowth)
	if n < 0 {
		return 0
	}
	return n
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("onion_geometry:\n")
	b.WriteString(fmt.Sprintf("max envelope size: %d\n", g.MaxEnvelopeSize))
	b.WriteString(fmt.Sprintf("max layer growth: %d\n", g.MaxLayerGrowth))
	return b.String()
}

// Display returns the geometry as TOML.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(g); err != nil {
		panic(err)
	}
	return buf.String()
}

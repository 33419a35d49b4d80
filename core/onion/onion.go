// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements layered encrypted envelopes.
//
// Every layer of an envelope is serialized as a 2 byte big endian length
// followed by that many bytes of ciphertext.  The ciphertext decrypts to the
// 32 byte address of the next hop followed by the inner payload, which is
// either the next layer or the message itself.
package onion

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/veilmsg/veil/core/pki"
)

var (
	// ErrMalformedEnvelope is the error returned when an envelope's length
	// prefix does not match its contents.
	ErrMalformedEnvelope = errors.New("onion: malformed envelope")

	// ErrCryptoFailure is the error returned when the cipher fails to
	// produce a ciphertext.
	ErrCryptoFailure = errors.New("onion: cryptographic failure")

	// ErrEnvelopeTooLarge is the error returned when a layer would not fit
	// the geometry or the length prefix.
	ErrEnvelopeTooLarge = errors.New("onion: envelope too large")

	// ErrInvalidAddress is the error returned when a hop address is not
	// exactly pki.AddressSize bytes.
	ErrInvalidAddress = pki.ErrInvalidAddress
)

// Cipher is the public key encryption used to build and peel layers.
type Cipher interface {
	// Encrypt encrypts plaintext to the PEM encoded public key.
	Encrypt(publicKey string, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the local private key.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Layer is the result of peeling one layer off an envelope.
type Layer struct {
	// Address is the address found in the layer.  For the innermost layer
	// this is the originator of the message, otherwise it is the next hop.
	Address pki.Address

	// Content is the inner payload.
	Content []byte
}

// Codec builds and peels envelopes.  It holds no mutable state and is safe
// for concurrent use if its Cipher is.
type Codec struct {
	cipher Cipher
	geo    Geometry
}

// New returns a Codec using cipher, bounded by geo.  A nil geo selects
// DefaultGeometry.
func New(cipher Cipher, geo *Geometry) (*Codec, error) {
	if cipher == nil {
		return nil, errors.New("onion: nil Cipher")
	}
	if geo == nil {
		geo = DefaultGeometry()
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		cipher: cipher,
		geo:    *geo,
	}, nil
}

// Geometry returns a copy of the codec's geometry.
func (c *Codec) Geometry() *Geometry {
	geo := c.geo
	return &geo
}

// Seal wraps payload in one layer per key, innermost first.  Layer i is
// encrypted to keys[i] and carries addresses[i].
func (c *Codec) Seal(payload []byte, keys []string, addresses []pki.Address) ([]byte, error) {
	if len(keys) == 0 || len(keys) != len(addresses) {
		return nil, fmt.Errorf("onion: %d keys for %d addresses", len(keys), len(addresses))
	}

	inner := payload
	for i, key := range keys {
		candidate := make([]byte, 0, pki.AddressSize+len(inner))
		candidate = append(candidate, addresses[i][:]...)
		candidate = append(candidate, inner...)
		if LengthPrefixSize+len(candidate)+c.geo.MaxLayerGrowth > c.geo.MaxEnvelopeSize {
			return nil, fmt.Errorf("%w: layer %d holds %d bytes", ErrEnvelopeTooLarge, i, len(candidate))
		}

		ct, err := c.cipher.Encrypt(key, candidate)
		switch {
		case err != nil:
			return nil, fmt.Errorf("%w: layer %d: %v", ErrCryptoFailure, i, err)
		case len(ct) == 0:
			return nil, fmt.Errorf("%w: layer %d: empty ciphertext", ErrCryptoFailure, i)
		case len(ct) > MaxLayerSize:
			return nil, fmt.Errorf("%w: layer %d ciphertext is %d bytes", ErrEnvelopeTooLarge, i, len(ct))
		case len(ct) > len(candidate)+c.geo.MaxLayerGrowth:
			return nil, fmt.Errorf("%w: layer %d grew by %d bytes", ErrCryptoFailure, i, len(ct)-len(candidate))
		}

		layer := make([]byte, LengthPrefixSize+len(ct))
		binary.BigEndian.PutUint16(layer, uint16(len(ct)))
		copy(layer[LengthPrefixSize:], ct)
		inner = layer
	}
	return inner, nil
}

// SealBytes is Seal with addresses given as byte slices, each of which
// must be exactly pki.AddressSize bytes.  Addresses are validated before
// any encryption takes place.
func (c *Codec) SealBytes(payload []byte, keys []string, addresses [][]byte) ([]byte, error) {
	addrs := make([]pki.Address, 0, len(addresses))
	for i, b := range addresses {
		a, err := pki.AddressFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("onion: hop %d: %w", i, err)
		}
		addrs = append(addrs, a)
	}
	return c.Seal(payload, keys, addrs)
}

// SealHex is Seal with hex encoded addresses.
func (c *Codec) SealHex(payload []byte, keys []string, addresses []string) ([]byte, error) {
	raw := make([][]byte, 0, len(addresses))
	for i, s := range addresses {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("onion: hop %d: %w: %v", i, ErrInvalidAddress, err)
		}
		raw = append(raw, b)
	}
	return c.SealBytes(payload, keys, raw)
}

// Unseal peels exactly one layer off envelope.  Any failure, including a
// length mismatch, a failed decryption or a plaintext too short to hold an
// address, yields (nil, false).
func (c *Codec) Unseal(envelope []byte) (*Layer, bool) {
	n, err := DecodeSize(envelope)
	if err != nil || n == 0 || len(envelope)-LengthPrefixSize != n {
		return nil, false
	}
	pt, err := c.cipher.Decrypt(envelope[LengthPrefixSize:])
	if err != nil || len(pt) < pki.AddressSize {
		return nil, false
	}

	l := new(Layer)
	copy(l.Address[:], pt[:pki.AddressSize])
	l.Content = pt[pki.AddressSize:]
	return l, true
}

// DecodeSize returns the ciphertext length announced by the envelope's
// length prefix.
func DecodeSize(envelope []byte) (int, error) {
	if len(envelope) < LengthPrefixSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(envelope))
	}
	return int(binary.BigEndian.Uint16(envelope)), nil
}

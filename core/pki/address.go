// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/hash"
)

// AddressSize is the size of a relay or user address in bytes.
const AddressSize = 32

// ErrInvalidAddress is the error returned when an address is not exactly
// AddressSize bytes, or is not valid hex.
var ErrInvalidAddress = errors.New("pki: invalid address")

// Address is a 32 byte relay or user identifier, rendered as 64 hex
// characters.
type Address [AddressSize]byte

// AddressFromBytes copies b into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ParseAddress decodes a 64 character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != AddressSize*2 {
		return a, fmt.Errorf("%w: %d characters", ErrInvalidAddress, len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return a, nil
}

// AddressOf derives the address of the holder of the serialized public key.
func AddressOf(publicKey []byte) Address {
	return Address(hash.Sum256(publicKey))
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// String returns the hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero returns true iff the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = b
	return nil
}

// pki.go - Relay network topology types.
// Copyright (C) 2026  The Veil Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pki provides the relay network topology types and the directory
// client used to fetch them.
package pki

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/secure/precis"
)

// ErrInvalidContact is the error returned when a contact fails validation.
var ErrInvalidContact = errors.New("pki: invalid contact")

// Vertex is a relay node of the network graph.
type Vertex struct {
	// Address is the relay's address.
	Address Address

	// PublicKey is the relay's PEM encoded KEM public key.
	PublicKey string

	// Hostname is the optional network host of the relay.
	Hostname string
}

// Edge is a directed link between two relays.
type Edge struct {
	Source Address
	Target Address
}

// Topology is a full snapshot of the relay network.
type Topology struct {
	// Version is the directory's graph version for this snapshot.
	Version uint64

	// Vertices are the relays, keyed by nothing in particular.
	Vertices []Vertex

	// Edges are the directed links between Vertices.
	Edges []Edge
}

// Vertex returns the vertex with the given address, if present.
func (t *Topology) Vertex(addr Address) (*Vertex, bool) {
	for i := range t.Vertices {
		if t.Vertices[i].Address == addr {
			return &t.Vertices[i], true
		}
	}
	return nil, false
}

// Contact is a known destination, attached to its own guard relay.
type Contact struct {
	// Name is the local, normalized display name.
	Name string

	// Address is the contact's own address.
	Address Address

	// PublicKey is the contact's PEM encoded KEM public key.
	PublicKey string

	// Guard is the address of the relay the contact is attached to.
	Guard Address
}

// NewContact validates and normalizes the parts of a contact.
func NewContact(name, address, publicKey, guard string) (*Contact, error) {
	normName, err := precis.Nickname.String(name)
	if err != nil || normName == "" {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidContact, name)
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	guardAddr, err := ParseAddress(guard)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(publicKey, "PUBLIC KEY") {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrInvalidContact)
	}
	return &Contact{
		Name:      normName,
		Address:   addr,
		PublicKey: publicKey,
		Guard:     guardAddr,
	}, nil
}

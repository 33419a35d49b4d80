// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"fmt"

	"github.com/veilmsg/veil/core/pki"
)

// GraphPath is a route to a destination, in the order onion layers are
// sealed.  Keys[0] is the destination's own public key, followed by the key
// of every intermediate relay in reverse traversal order.  Neither the local
// guard nor the destination's guard is part of a GraphPath.  Addresses[i] is
// the address of the owner of Keys[i].
type GraphPath struct {
	Destination pki.Address   `cbor:"destination"`
	Keys        []string      `cbor:"keys"`
	Addresses   []pki.Address `cbor:"addresses"`
}

// Intermediates returns the number of relays between the two guards.
func (p *GraphPath) Intermediates() int {
	return len(p.Keys) - 1
}

func (p *GraphPath) String() string {
	return fmt.Sprintf("%v via %d relays", p.Destination, p.Intermediates())
}

// newGraphPath converts a vertex path, local guard first and the contact's
// guard last, into the GraphPath reaching contact.
func newGraphPath(g *Graph, contact *pki.Contact, vertices []pki.Address) (*GraphPath, error) {
	p := &GraphPath{
		Destination: contact.Address,
		Keys:        []string{contact.PublicKey},
		Addresses:   []pki.Address{contact.Address},
	}
	for i := len(vertices) - 2; i >= 1; i-- {
		v, ok := g.Vertex(vertices[i])
		if !ok {
			return nil, fmt.Errorf("route: vertex %v missing from graph", vertices[i])
		}
		p.Keys = append(p.Keys, v.PublicKey)
		p.Addresses = append(p.Addresses, v.Address)
	}
	return p, nil
}

// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/veilmsg/veil/core/pki"
)

// Guard selection policy names.
const (
	GuardFirst     = "first"
	GuardRandom    = "random"
	GuardDirectory = "directory"
)

var errNoVertices = errors.New("route: topology has no vertices")

// GuardSelector picks the local guard relay from a fresh topology.
type GuardSelector interface {
	Select(g *Graph, info *pki.ServerInfo) (*pki.Vertex, error)
}

// NewGuardSelector returns the selector implementing the named policy.
func NewGuardSelector(policy string) (GuardSelector, error) {
	switch policy {
	case GuardFirst, "":
		return firstGuard{}, nil
	case GuardRandom:
		return &randomGuard{rng: rand.Reader}, nil
	case GuardDirectory:
		return directoryGuard{}, nil
	default:
		return nil, fmt.Errorf("route: unknown guard policy '%v'", policy)
	}
}

// firstGuard selects the first vertex of the snapshot.
type firstGuard struct{}

func (firstGuard) Select(g *Graph, _ *pki.ServerInfo) (*pki.Vertex, error) {
	vs := g.Vertices()
	if len(vs) == 0 {
		return nil, errNoVertices
	}
	return vs[0], nil
}

// randomGuard selects a uniformly random vertex.
type randomGuard struct {
	rng io.Reader
}

func (r *randomGuard) Select(g *Graph, _ *pki.ServerInfo) (*pki.Vertex, error) {
	vs := g.Vertices()
	if len(vs) == 0 {
		return nil, errNoVertices
	}
	var b [8]byte
	if _, err := io.ReadFull(r.rng, b[:]); err != nil {
		return nil, err
	}
	return vs[binary.BigEndian.Uint64(b[:])%uint64(len(vs))], nil
}

// directoryGuard selects the relay the directory runs on.
type directoryGuard struct{}

func (directoryGuard) Select(g *Graph, info *pki.ServerInfo) (*pki.Vertex, error) {
	if info == nil {
		return nil, errors.New("route: no ServerInfo for directory guard policy")
	}
	addr, err := info.Validate()
	if err != nil {
		return nil, err
	}
	v, ok := g.Vertex(addr)
	if !ok {
		return nil, fmt.Errorf("route: directory relay %v is not in the topology", addr)
	}
	return v, nil
}

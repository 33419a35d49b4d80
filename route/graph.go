// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"sort"

	"github.com/veilmsg/veil/core/pki"
)

// Graph is an immutable directed graph of relays built from a topology
// snapshot.
type Graph struct {
	vertices map[pki.Address]*pki.Vertex
	adj      map[pki.Address][]pki.Address
	order    []pki.Address
}

// NewGraph builds a Graph from t.  Edges referencing a vertex absent from t
// are ignored.
func NewGraph(t *pki.Topology) *Graph {
	g := &Graph{
		vertices: make(map[pki.Address]*pki.Vertex, len(t.Vertices)),
		adj:      make(map[pki.Address][]pki.Address),
	}
	for i := range t.Vertices {
		v := t.Vertices[i]
		if _, ok := g.vertices[v.Address]; ok {
			continue
		}
		g.vertices[v.Address] = &v
		g.order = append(g.order, v.Address)
	}
	for _, e := range t.Edges {
		if _, ok := g.vertices[e.Source]; !ok {
			continue
		}
		if _, ok := g.vertices[e.Target]; !ok {
			continue
		}
		if e.Source == e.Target {
			continue
		}
		g.adj[e.Source] = append(g.adj[e.Source], e.Target)
	}
	return g
}

// Len returns the number of vertices.
func (g *Graph) Len() int {
	return len(g.order)
}

// Vertex returns the vertex with the given address.
func (g *Graph) Vertex(addr pki.Address) (*pki.Vertex, bool) {
	v, ok := g.vertices[addr]
	return v, ok
}

// Vertices returns every vertex in snapshot order.
func (g *Graph) Vertices() []*pki.Vertex {
	vs := make([]*pki.Vertex, 0, len(g.order))
	for _, addr := range g.order {
		vs = append(vs, g.vertices[addr])
	}
	return vs
}

// Neighbors returns the targets of src's outgoing edges.
func (g *Graph) Neighbors(src pki.Address) []pki.Address {
	return g.adj[src]
}

// AllPaths enumerates every simple path from src to dst with at most maxHops
// edges.  Each path lists its vertices, src first and dst last.  Paths are
// returned shortest first, ties in depth first discovery order.  A path from
// a vertex to itself has no edges.
func (g *Graph) AllPaths(src, dst pki.Address, maxHops int) [][]pki.Address {
	if _, ok := g.vertices[src]; !ok {
		return nil
	}
	if _, ok := g.vertices[dst]; !ok {
		return nil
	}
	if src == dst {
		return [][]pki.Address{{src}}
	}
	if maxHops < 1 {
		return nil
	}

	var paths [][]pki.Address
	visited := map[pki.Address]bool{src: true}
	stack := []pki.Address{src}

	var walk func(cur pki.Address)
	walk = func(cur pki.Address) {
		for _, next := range g.adj[cur] {
			if visited[next] {
				continue
			}
			if next == dst {
				p := make([]pki.Address, len(stack)+1)
				copy(p, stack)
				p[len(stack)] = dst
				paths = append(paths, p)
				continue
			}
			// len(stack) is the edge count after stepping to next.
			if len(stack) >= maxHops {
				continue
			}
			visited[next] = true
			stack = append(stack, next)
			walk(next)
			stack = stack[:len(stack)-1]
			visited[next] = false
		}
	}
	walk(src)

	sort.SliceStable(paths, func(i, j int) bool {
		return len(paths[i]) < len(paths[j])
	})
	return paths
}

// directory.go - Directory records.
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

package pki

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"
)

var validate = validator.New()

// ServerInfo is the directory's description of the relay it runs on.
type ServerInfo struct {
	PublicKey    string `json:"publicKey" validate:"required"`
	Address      string `json:"address" validate:"required,len=64,hexadecimal"`
	GraphVersion uint64 `json:"graphVersion"`
}

// Validate checks the record, returning the decoded address.
func (s *ServerInfo) Validate() (Address, error) {
	if err := validate.Struct(s); err != nil {
		return Address{}, fmt.Errorf("pki: invalid ServerInfo: %w", err)
	}
	return ParseAddress(s.Address)
}

// VertexRecord is one relay entry of the directory's network graph.
type VertexRecord struct {
	Address   string   `json:"address" validate:"required,len=64,hexadecimal"`
	PublicKey string   `json:"publicKey" validate:"required"`
	Hostname  string   `json:"hostname,omitempty"`
	Neighbors []string `json:"neighbors" validate:"dive,len=64,hexadecimal"`
}

// ToTopology converts the directory's records into a topology snapshot.
// Records that fail validation are skipped, as are edges that reference a
// relay absent from the snapshot.  The number of skipped records is
// returned alongside the snapshot.
func ToTopology(records []VertexRecord) (*Topology, int) {
	t := new(Topology)
	skipped := 0
	seen := make(map[Address]bool)
	neighbors := make(map[Address][]string)
	for i := range records {
		r := &records[i]
		v, err := r.vertex()
		if err != nil || seen[v.Address] {
			skipped++
			continue
		}
		seen[v.Address] = true
		t.Vertices = append(t.Vertices, *v)
		neighbors[v.Address] = r.Neighbors
	}
	for _, v := range t.Vertices {
		for _, n := range neighbors[v.Address] {
			target, err := ParseAddress(strings.ToLower(n))
			if err != nil || !seen[target] || target == v.Address {
				continue
			}
			t.Edges = append(t.Edges, Edge{Source: v.Address, Target: target})
		}
	}
	return t, skipped
}

func (r *VertexRecord) vertex() (*Vertex, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	addr, err := ParseAddress(strings.ToLower(r.Address))
	if err != nil {
		return nil, err
	}
	host, err := normalizeHostname(r.Hostname)
	if err != nil {
		return nil, err
	}
	return &Vertex{
		Address:   addr,
		PublicKey: r.PublicKey,
		Hostname:  host,
	}, nil
}

// normalizeHostname converts an optional host or host:port to its ASCII
// form.
func normalizeHostname(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, ""
	}
	if ip := net.ParseIP(host); ip == nil {
		if host, err = idna.Lookup.ToASCII(host); err != nil {
			return "", fmt.Errorf("pki: invalid hostname %q: %w", s, err)
		}
	}
	if port != "" {
		return net.JoinHostPort(host, port), nil
	}
	return host, nil
}

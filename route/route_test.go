// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
)

func testAddress(b byte) pki.Address {
	var a pki.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func testKey(b byte) string {
	return fmt.Sprintf("key-%02x", b)
}

func testVertex(b byte) pki.Vertex {
	return pki.Vertex{Address: testAddress(b), PublicKey: testKey(b)}
}

// chain returns a topology v1 -> v2 -> ... -> vn.
func chain(n int) *pki.Topology {
	t := new(pki.Topology)
	for i := 1; i <= n; i++ {
		t.Vertices = append(t.Vertices, testVertex(byte(i)))
		if i > 1 {
			t.Edges = append(t.Edges, pki.Edge{Source: testAddress(byte(i - 1)), Target: testAddress(byte(i))})
		}
	}
	return t
}

type memRepo struct {
	sync.Mutex

	topology *pki.Topology
	guard    *pki.Address
	paths    map[pki.Address][]*GraphPath
}

func newMemRepo(t *pki.Topology) *memRepo {
	return &memRepo{topology: t, paths: make(map[pki.Address][]*GraphPath)}
}

func (r *memRepo) Topology() (*pki.Topology, error) {
	r.Lock()
	defer r.Unlock()
	if r.topology == nil {
		return new(pki.Topology), nil
	}
	return r.topology, nil
}

func (r *memRepo) ReplaceTopology(t *pki.Topology) error {
	r.Lock()
	defer r.Unlock()
	r.topology = t
	return nil
}

func (r *memRepo) GraphVersion() (uint64, error) {
	r.Lock()
	defer r.Unlock()
	if r.topology == nil {
		return 0, nil
	}
	return r.topology.Version, nil
}

func (r *memRepo) Guard() (pki.Address, bool, error) {
	r.Lock()
	defer r.Unlock()
	if r.guard == nil {
		return pki.Address{}, false, nil
	}
	return *r.guard, true, nil
}

func (r *memRepo) SetGuard(addr pki.Address) error {
	r.Lock()
	defer r.Unlock()
	r.guard = &addr
	return nil
}

func (r *memRepo) ReplacePaths(dest pki.Address, paths []*GraphPath) error {
	r.Lock()
	defer r.Unlock()
	r.paths[dest] = paths
	return nil
}

func (r *memRepo) Paths(dest pki.Address) ([]*GraphPath, error) {
	r.Lock()
	defer r.Unlock()
	return r.paths[dest], nil
}

func (r *memRepo) DeletePaths(dest pki.Address) error {
	r.Lock()
	defer r.Unlock()
	delete(r.paths, dest)
	return nil
}

func (r *memRepo) ClearPaths() error {
	r.Lock()
	defer r.Unlock()
	r.paths = make(map[pki.Address][]*GraphPath)
	return nil
}

type fakeDirectory struct {
	info     *pki.ServerInfo
	topology *pki.Topology
	err      error
	calls    int
}

func (d *fakeDirectory) ServerInfo(context.Context) (*pki.ServerInfo, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.info, nil
}

func (d *fakeDirectory) NetworkGraph(context.Context) (*pki.Topology, error) {
	if d.err != nil {
		return nil, d.err
	}
	t := *d.topology
	return &t, nil
}

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func newTestPathFinder(t *testing.T, repo Repository, maxHops int) *PathFinder {
	p, err := New(&Config{
		Repository: repo,
		MaxHops:    maxHops,
		LogBackend: testBackend(t),
	})
	require.NoError(t, err)
	return p
}

func contactAt(guard pki.Address) *pki.Contact {
	return &pki.Contact{
		Name:      "dest",
		Address:   testAddress(0xd0),
		PublicKey: "key-dest",
		Guard:     guard,
	}
}

func TestAllPaths(t *testing.T) {
	require := require.New(t)

	// 1 -> 2 -> 4, 1 -> 3 -> 4, 1 -> 4, 2 -> 3, 4 -> 1.
	top := &pki.Topology{
		Vertices: []pki.Vertex{testVertex(1), testVertex(2), testVertex(3), testVertex(4)},
		Edges: []pki.Edge{
			{Source: testAddress(1), Target: testAddress(2)},
			{Source: testAddress(2), Target: testAddress(4)},
			{Source: testAddress(1), Target: testAddress(3)},
			{Source: testAddress(3), Target: testAddress(4)},
			{Source: testAddress(1), Target: testAddress(4)},
			{Source: testAddress(2), Target: testAddress(3)},
			{Source: testAddress(4), Target: testAddress(1)},
			{Source: testAddress(4), Target: testAddress(9)},
		},
	}
	g := NewGraph(top)
	require.Equal(4, g.Len())
	require.Len(g.Neighbors(testAddress(4)), 1)

	paths := g.AllPaths(testAddress(1), testAddress(4), 6)
	require.Len(paths, 4)
	require.Equal([]pki.Address{testAddress(1), testAddress(4)}, paths[0])
	require.Len(paths[1], 3)
	require.Len(paths[2], 3)
	require.Equal([]pki.Address{testAddress(1), testAddress(2), testAddress(3), testAddress(4)}, paths[3])

	require.Len(g.AllPaths(testAddress(1), testAddress(4), 1), 1)
	require.Len(g.AllPaths(testAddress(1), testAddress(4), 2), 3)
	require.Equal([][]pki.Address{{testAddress(1)}}, g.AllPaths(testAddress(1), testAddress(1), 6))
	require.Empty(g.AllPaths(testAddress(1), testAddress(9), 6))
}

func TestAllPathsHopBound(t *testing.T) {
	require := require.New(t)

	g := NewGraph(chain(8))
	require.Empty(g.AllPaths(testAddress(1), testAddress(8), 6), "7 edges exceed 6 hops")
	require.Len(g.AllPaths(testAddress(1), testAddress(8), 7), 1)
	require.Len(g.AllPaths(testAddress(1), testAddress(7), 6), 1)
}

func TestCalculatePaths(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	// guard(1) -> A(2) -> destGuard(3)
	repo := newMemRepo(chain(3))
	p := newTestPathFinder(t, repo, 0)
	require.Equal(DefaultMaxHops, p.MaxHops())

	contact := contactAt(testAddress(3))
	_, err := p.CalculatePaths(ctx, contact)
	require.ErrorIs(err, ErrNotReady)

	require.NoError(repo.SetGuard(testAddress(1)))
	paths, err := p.CalculatePaths(ctx, contact)
	require.NoError(err)
	require.Len(paths, 1)
	require.Equal([]string{"key-dest", testKey(2)}, paths[0].Keys)
	require.Equal([]pki.Address{contact.Address, testAddress(2)}, paths[0].Addresses)
	require.Equal(contact.Address, paths[0].Destination)
	require.Equal(1, paths[0].Intermediates())

	stored, err := repo.Paths(contact.Address)
	require.NoError(err)
	require.Equal(paths, stored)

	path, err := p.Lookup(contact.Address)
	require.NoError(err)
	require.Equal(paths[0], path)
}

func TestCalculatePathsReverseOrder(t *testing.T) {
	require := require.New(t)

	// guard(1) -> 2 -> 3 -> 4 -> destGuard(5)
	repo := newMemRepo(chain(5))
	require.NoError(repo.SetGuard(testAddress(1)))
	p := newTestPathFinder(t, repo, 6)

	contact := contactAt(testAddress(5))
	paths, err := p.CalculatePaths(context.Background(), contact)
	require.NoError(err)
	require.Equal([]string{"key-dest", testKey(4), testKey(3), testKey(2)}, paths[0].Keys)
	require.Equal([]pki.Address{contact.Address, testAddress(4), testAddress(3), testAddress(2)}, paths[0].Addresses)
}

func TestCalculatePathsSameGuard(t *testing.T) {
	require := require.New(t)

	repo := newMemRepo(chain(2))
	require.NoError(repo.SetGuard(testAddress(1)))
	p := newTestPathFinder(t, repo, 6)

	paths, err := p.CalculatePaths(context.Background(), contactAt(testAddress(1)))
	require.NoError(err)
	require.Len(paths, 1)
	require.Equal([]string{"key-dest"}, paths[0].Keys)
	require.Zero(paths[0].Intermediates())
}

func TestCalculatePathsUnreachable(t *testing.T) {
	require := require.New(t)

	// The only route to 8 has 7 edges.
	repo := newMemRepo(chain(8))
	require.NoError(repo.SetGuard(testAddress(1)))
	p := newTestPathFinder(t, repo, 6)

	contact := contactAt(testAddress(8))
	require.NoError(repo.ReplacePaths(contact.Address, []*GraphPath{{Destination: contact.Address}}))

	_, err := p.CalculatePaths(context.Background(), contact)
	require.ErrorIs(err, ErrUnreachable)
	stored, err := repo.Paths(contact.Address)
	require.NoError(err)
	require.Empty(stored)

	_, err = p.Lookup(contact.Address)
	require.ErrorIs(err, ErrUnreachable)
}

func TestInvalidate(t *testing.T) {
	require := require.New(t)

	repo := newMemRepo(chain(3))
	require.NoError(repo.SetGuard(testAddress(1)))
	p := newTestPathFinder(t, repo, 6)

	contact := contactAt(testAddress(3))
	_, err := p.CalculatePaths(context.Background(), contact)
	require.NoError(err)
	require.NoError(p.Invalidate(contact.Address))
	_, err = p.Lookup(contact.Address)
	require.ErrorIs(err, ErrUnreachable)
}

type refreshingRepo struct {
	*memRepo
	onTopology func()
}

func (r *refreshingRepo) Topology() (*pki.Topology, error) {
	if fn := r.onTopology; fn != nil {
		r.onTopology = nil
		fn()
	}
	return r.memRepo.Topology()
}

func TestCalculatePathsStale(t *testing.T) {
	require := require.New(t)

	top := chain(3)
	top.Version = 1
	repo := &refreshingRepo{memRepo: newMemRepo(top)}
	require.NoError(repo.SetGuard(testAddress(1)))

	next := chain(3)
	dir := &fakeDirectory{
		info:     &pki.ServerInfo{PublicKey: testKey(1), Address: testAddress(1).String(), GraphVersion: 2},
		topology: next,
	}
	p, err := New(&Config{
		Repository: repo,
		Directory:  dir,
		LogBackend: testBackend(t),
	})
	require.NoError(err)

	repo.onTopology = func() {
		changed, err := p.Refresh(context.Background())
		require.NoError(err)
		require.True(changed)
	}
	_, err = p.CalculatePaths(context.Background(), contactAt(testAddress(3)))
	require.ErrorIs(err, ErrStale)
	require.Equal(uint64(1), p.Generation())

	_, err = p.CalculatePaths(context.Background(), contactAt(testAddress(3)))
	require.NoError(err)
}

func TestRefresh(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	repo := newMemRepo(nil)
	dir := &fakeDirectory{
		info:     &pki.ServerInfo{PublicKey: testKey(2), Address: testAddress(2).String(), GraphVersion: 7},
		topology: chain(3),
	}
	p, err := New(&Config{
		Repository: repo,
		Directory:  dir,
		Guards:     directoryGuard{},
		LogBackend: testBackend(t),
	})
	require.NoError(err)

	_, err = p.Guard()
	require.ErrorIs(err, ErrNotReady)

	changed, err := p.Refresh(ctx)
	require.NoError(err)
	require.True(changed)
	guard, err := p.Guard()
	require.NoError(err)
	require.Equal(testAddress(2), guard.Address)
	version, err := repo.GraphVersion()
	require.NoError(err)
	require.Equal(uint64(7), version)

	contact := contactAt(testAddress(3))
	_, err = p.CalculatePaths(ctx, contact)
	require.NoError(err)

	changed, err = p.Refresh(ctx)
	require.NoError(err)
	require.False(changed, "same version")
	_, err = p.Lookup(contact.Address)
	require.NoError(err)

	dir.info.GraphVersion = 8
	changed, err = p.Refresh(ctx)
	require.NoError(err)
	require.True(changed)
	require.Equal(uint64(2), p.Generation())
	_, err = p.Lookup(contact.Address)
	require.ErrorIs(err, ErrUnreachable, "refresh forgets every path")

	dir.err = errors.New("directory down")
	_, err = p.Refresh(ctx)
	require.Error(err)
}

func TestGuardSelectors(t *testing.T) {
	require := require.New(t)

	g := NewGraph(chain(4))
	info := &pki.ServerInfo{PublicKey: testKey(3), Address: testAddress(3).String()}

	sel, err := NewGuardSelector(GuardFirst)
	require.NoError(err)
	v, err := sel.Select(g, info)
	require.NoError(err)
	require.Equal(testAddress(1), v.Address)

	sel, err = NewGuardSelector(GuardDirectory)
	require.NoError(err)
	v, err = sel.Select(g, info)
	require.NoError(err)
	require.Equal(testAddress(3), v.Address)
	_, err = sel.Select(g, &pki.ServerInfo{PublicKey: "k", Address: testAddress(9).String()})
	require.Error(err)

	sel, err = NewGuardSelector(GuardRandom)
	require.NoError(err)
	for i := 0; i < 16; i++ {
		v, err = sel.Select(g, nil)
		require.NoError(err)
		_, ok := g.Vertex(v.Address)
		require.True(ok)
	}
	_, err = sel.Select(NewGraph(new(pki.Topology)), nil)
	require.Error(err)

	_, err = NewGuardSelector("best")
	require.Error(err)
}

// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package route implements relay path discovery over the network graph.
package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/internal/instrument"
)

const (
	// DefaultMaxHops is the default bound on the number of edges of a path.
	DefaultMaxHops = 6

	defaultCacheSize = 256
)

var (
	// ErrNotReady is the error returned when no guard has been selected.
	ErrNotReady = errors.New("route: no guard selected")

	// ErrUnreachable is the error returned when no path reaches a
	// destination.
	ErrUnreachable = errors.New("route: destination unreachable")

	// ErrStale is the error returned when the topology was refreshed while
	// paths were being computed.
	ErrStale = errors.New("route: topology refreshed during computation")
)

// Repository is the persistent storage of the topology, the guard and the
// computed paths.
type Repository interface {
	// Topology returns the stored snapshot.
	Topology() (*pki.Topology, error)

	// ReplaceTopology replaces the stored snapshot wholesale.
	ReplaceTopology(t *pki.Topology) error

	// GraphVersion returns the version of the stored snapshot.
	GraphVersion() (uint64, error)

	// Guard returns the selected guard address, and false if none is.
	Guard() (pki.Address, bool, error)

	// SetGuard records the selected guard.
	SetGuard(addr pki.Address) error

	// ReplacePaths replaces every path to dest, preserving order.
	ReplacePaths(dest pki.Address, paths []*GraphPath) error

	// Paths returns the stored paths to dest, in stored order.
	Paths(dest pki.Address) ([]*GraphPath, error)

	// DeletePaths removes every path to dest.
	DeletePaths(dest pki.Address) error

	// ClearPaths removes every stored path.
	ClearPaths() error
}

// Snapshot is a loaded graph together with the guard it was loaded for.
type Snapshot struct {
	Graph      *Graph
	Guard      *pki.Vertex
	Version    uint64
	Generation uint64
}

// Config is the PathFinder configuration.
type Config struct {
	// Repository stores the topology and paths.
	Repository Repository

	// Directory is the source of topology refreshes, and may be nil if
	// Refresh is never called.
	Directory pki.Directory

	// Guards selects the guard after a refresh.  A nil Guards selects the
	// first vertex.
	Guards GuardSelector

	// MaxHops bounds the number of edges of a path.
	MaxHops int

	// CacheSize is the number of destinations whose path is cached.
	CacheSize int

	// LogBackend is the logging backend.
	LogBackend *log.Backend
}

// PathFinder computes, stores and serves paths to contacts.
type PathFinder struct {
	sync.RWMutex

	log *logging.Logger

	repo    Repository
	dir     pki.Directory
	guards  GuardSelector
	maxHops int
	cache   *lru.Cache[pki.Address, *GraphPath]

	generation atomic.Uint64
	refreshMu  sync.Mutex
}

// New returns a PathFinder for the given configuration.
func New(cfg *Config) (*PathFinder, error) {
	if cfg.Repository == nil {
		return nil, errors.New("route: no Repository configured")
	}
	maxHops := cfg.MaxHops
	if maxHops == 0 {
		maxHops = DefaultMaxHops
	}
	if maxHops < 0 {
		return nil, fmt.Errorf("route: invalid MaxHops %d", maxHops)
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[pki.Address, *GraphPath](cacheSize)
	if err != nil {
		return nil, err
	}
	guards := cfg.Guards
	if guards == nil {
		guards = firstGuard{}
	}
	return &PathFinder{
		log:     cfg.LogBackend.GetLogger("route"),
		repo:    cfg.Repository,
		dir:     cfg.Directory,
		guards:  guards,
		maxHops: maxHops,
		cache:   cache,
	}, nil
}

// MaxHops returns the bound on the number of edges of a path.
func (p *PathFinder) MaxHops() int {
	return p.maxHops
}

// Generation returns the number of topology refreshes applied.
func (p *PathFinder) Generation() uint64 {
	return p.generation.Load()
}

// Guard returns the selected guard vertex.
func (p *PathFinder) Guard() (*pki.Vertex, error) {
	addr, ok, err := p.repo.Guard()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotReady
	}
	t, err := p.repo.Topology()
	if err != nil {
		return nil, err
	}
	v, ok := t.Vertex(addr)
	if !ok {
		return nil, fmt.Errorf("%w: guard %v is not in the topology", ErrNotReady, addr)
	}
	return v, nil
}

// Load reads the stored topology as a graph.  A guard must have been
// selected.
func (p *PathFinder) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gen := p.generation.Load()
	addr, ok, err := p.repo.Guard()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotReady
	}
	t, err := p.repo.Topology()
	if err != nil {
		return nil, err
	}
	g := NewGraph(t)
	guard, ok := g.Vertex(addr)
	if !ok {
		return nil, fmt.Errorf("%w: guard %v is not in the topology", ErrNotReady, addr)
	}
	return &Snapshot{
		Graph:      g,
		Guard:      guard,
		Version:    t.Version,
		Generation: gen,
	}, nil
}

// CalculatePaths computes and stores every path from the guard to the
// contact's guard, shortest first, replacing the stored ones.  If there is
// none the stored paths are removed and ErrUnreachable is returned.
func (p *PathFinder) CalculatePaths(ctx context.Context, contact *pki.Contact) ([]*GraphPath, error) {
	snap, err := p.Load(ctx)
	if err != nil {
		instrument.PathComputation("not_ready")
		return nil, err
	}

	vertexPaths := snap.Graph.AllPaths(snap.Guard.Address, contact.Guard, p.maxHops)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths := make([]*GraphPath, 0, len(vertexPaths))
	for _, vp := range vertexPaths {
		gp, err := newGraphPath(snap.Graph, contact, vp)
		if err != nil {
			return nil, err
		}
		paths = append(paths, gp)
	}

	p.RLock()
	defer p.RUnlock()
	if p.generation.Load() != snap.Generation {
		instrument.PathComputation("stale")
		return nil, ErrStale
	}

	if len(paths) == 0 {
		p.cache.Remove(contact.Address)
		if err := p.repo.DeletePaths(contact.Address); err != nil {
			return nil, err
		}
		p.log.Debugf("No path within %d hops to %v.", p.maxHops, contact.Address)
		instrument.PathComputation("unreachable")
		return nil, ErrUnreachable
	}
	if err := p.repo.ReplacePaths(contact.Address, paths); err != nil {
		return nil, err
	}
	p.cache.Add(contact.Address, paths[0])
	p.log.Debugf("Stored %d paths to %v, shortest: %v.", len(paths), contact.Address, paths[0])
	instrument.PathComputation("success")
	return paths, nil
}

// Lookup returns the preferred path to dest.
func (p *PathFinder) Lookup(dest pki.Address) (*GraphPath, error) {
	if path, ok := p.cache.Get(dest); ok {
		return path, nil
	}

	p.RLock()
	defer p.RUnlock()
	paths, err := p.repo.Paths(dest)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrUnreachable
	}
	p.cache.Add(dest, paths[0])
	return paths[0], nil
}

// Invalidate forgets every path to dest.
func (p *PathFinder) Invalidate(dest pki.Address) error {
	p.RLock()
	defer p.RUnlock()
	p.cache.Remove(dest)
	return p.repo.DeletePaths(dest)
}

// Refresh fetches the topology from the directory and, if it changed or no
// guard is selected yet, replaces the stored one, reselects the guard and
// forgets every path.  It returns true iff the stored topology was replaced.
func (p *PathFinder) Refresh(ctx context.Context) (bool, error) {
	if p.dir == nil {
		return false, errors.New("route: no Directory configured")
	}
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	var (
		info *pki.ServerInfo
		t    *pki.Topology
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		info, err = p.dir.ServerInfo(egCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		t, err = p.dir.NetworkGraph(egCtx)
		return err
	})
	if err := eg.Wait(); err != nil {
		instrument.Refresh("failure")
		return false, err
	}
	t.Version = info.GraphVersion

	version, err := p.repo.GraphVersion()
	if err != nil {
		return false, err
	}
	_, hasGuard, err := p.repo.Guard()
	if err != nil {
		return false, err
	}
	if hasGuard && version == t.Version {
		p.log.Debugf("Topology version %d is current.", version)
		instrument.Refresh("unchanged")
		return false, nil
	}

	g := NewGraph(t)
	guard, err := p.guards.Select(g, info)
	if err != nil {
		instrument.Refresh("failure")
		return false, err
	}

	p.Lock()
	defer p.Unlock()
	if err := p.repo.ReplaceTopology(t); err != nil {
		return false, err
	}
	if err := p.repo.SetGuard(guard.Address); err != nil {
		return false, err
	}
	if err := p.repo.ClearPaths(); err != nil {
		return false, err
	}
	p.cache.Purge()
	p.generation.Add(1)

	p.log.Noticef("Topology version %d: %d vertices, %d edges, guard %v.", t.Version, g.Len(), len(t.Edges), guard.Address)
	instrument.Refresh("updated")
	instrument.Vertices(g.Len())
	return true, nil
}

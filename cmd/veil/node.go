// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/client"
	"github.com/veilmsg/veil/common"
	"github.com/veilmsg/veil/config"
	"github.com/veilmsg/veil/core/crypto/engine"
	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/core/wire"
	"github.com/veilmsg/veil/route"
	"github.com/veilmsg/veil/store"
)

// node is a loaded configuration with the local identity, the store and the
// path finder.
type node struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	engine  engine.Engine
	local   pki.Address
	pubKey  string
	signKey string

	store *store.Store
	paths *route.PathFinder
}

func newLogBackend(cfg *config.Config) (*log.Backend, error) {
	return log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
}

func newNode(cfgFile string) (*node, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", cfgFile, err)
	}
	n := &node{cfg: cfg}
	if n.logBackend, err = newLogBackend(cfg); err != nil {
		return nil, err
	}
	n.log = n.logBackend.GetLogger("veil")

	if err = n.loadIdentity(); err != nil {
		return nil, err
	}

	if n.store, err = store.New(cfg.StorePath(), n.logBackend); err != nil {
		return nil, err
	}

	guards, err := route.NewGuardSelector(cfg.Routing.GuardPolicy)
	if err != nil {
		n.store.Close()
		return nil, err
	}
	timeout := time.Duration(cfg.Directory.Timeout) * time.Second
	dir, err := pki.NewDirectoryClient(cfg.Directory.URL, cfg.UpstreamProxyConfig().ToHTTPClient("directory", timeout), n.logBackend)
	if err != nil {
		n.store.Close()
		return nil, err
	}
	if n.paths, err = route.New(&route.Config{
		Repository: n.store,
		Directory:  dir,
		Guards:     guards,
		MaxHops:    cfg.Routing.MaxHops,
		CacheSize:  cfg.Routing.PathCacheSize,
		LogBackend: n.logBackend,
	}); err != nil {
		n.store.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) loadIdentity() error {
	e, err := engine.New(engine.DefaultKEMScheme, engine.DefaultSignatureScheme, n.cfg.Onion)
	if err != nil {
		return err
	}
	decKey, err := engine.ReadKeyFile(n.cfg.Identity.DecryptionKeyFile)
	if err != nil {
		return fmt.Errorf("no identity, run genkey first: %w", err)
	}
	signKey, err := engine.ReadKeyFile(n.cfg.Identity.SignatureKeyFile)
	if err != nil {
		return fmt.Errorf("no identity, run genkey first: %w", err)
	}
	passphrase := n.cfg.Identity.Passphrase()
	if err = e.InitDecryptionSession(decKey, passphrase); err != nil {
		return err
	}
	if err = e.InitSignatureSession(signKey, passphrase); err != nil {
		return err
	}

	n.engine = engine.Serialized(e)
	keys := n.engine.(engine.Keys)
	if n.local, err = keys.Address(); err != nil {
		return err
	}
	if n.pubKey, err = keys.PublicKey(); err != nil {
		return err
	}
	if n.signKey, err = keys.SignaturePublicKey(); err != nil {
		return err
	}
	n.log.Debugf("Identity %v, signature key %v", n.local, common.KeyFingerprint(n.signKey))
	return nil
}

func (n *node) newClient() (*client.Client, error) {
	cfg := n.cfg
	dialer := &wire.WebSocketDialer{
		URL:              cfg.Relay.URL,
		DialContext:      wire.DialContextFn(cfg.UpstreamProxyConfig().ToDialContext("relay")),
		HandshakeTimeout: time.Duration(cfg.Relay.HandshakeTimeout) * time.Second,
		PingInterval:     time.Duration(cfg.Relay.PingInterval) * time.Second,
	}
	return client.New(&client.Config{
		Engine:             n.engine,
		LocalAddress:       n.local,
		SignaturePublicKey: n.signKey,
		Dialer:             dialer,
		Paths:              n.paths,
		Store:              n.store,
		HandshakeTimeout:   dialer.HandshakeTimeout,
		Reconnect: retry.Backoff(
			time.Duration(cfg.Relay.ReconnectBaseDelay)*time.Millisecond,
			time.Duration(cfg.Relay.ReconnectMaxDelay)*time.Second,
		),
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		RetryDelay:      cfg.RetryDelay(),
		DispatchTimeout: time.Duration(cfg.Dispatch.Timeout) * time.Second,
		FlushInterval:   time.Duration(cfg.Dispatch.FlushInterval) * time.Second,
		PollInterval:    time.Duration(cfg.Ingest.PollInterval) * time.Second,
		ReplayCapacity:  cfg.Ingest.ReplayCapacity,
		LogBackend:      n.logBackend,
	})
}

// refresh updates the topology and, if it changed, recomputes the paths to
// every contact.
func (n *node) refresh(ctx context.Context) (bool, error) {
	changed, err := n.paths.Refresh(ctx)
	if err != nil || !changed {
		return changed, err
	}
	contacts, err := n.store.Contacts()
	if err != nil {
		return true, err
	}
	for _, c := range contacts {
		if _, err := n.calculatePaths(ctx, c); err != nil {
			n.log.Warningf("No path to %v (%v): %v", c.Name, c.Address, err)
		}
	}
	return true, nil
}

// calculatePaths computes the paths to c, recomputing once if a refresh
// raced the computation.
func (n *node) calculatePaths(ctx context.Context, c *pki.Contact) ([]*route.GraphPath, error) {
	paths, err := n.paths.CalculatePaths(ctx, c)
	if errors.Is(err, route.ErrStale) {
		paths, err = n.paths.CalculatePaths(ctx, c)
	}
	return paths, err
}

func (n *node) close() {
	if err := n.store.Close(); err != nil {
		n.log.Errorf("Failed to close store: %v", err)
	}
	n.logBackend.Close()
}

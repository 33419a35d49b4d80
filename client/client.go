// client.go - Veil client.
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

// Package client implements the veil client: the relay connection, the
// dispatch of outbound onions and the ingestion of inbound ones.
package client

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/crypto/engine"
	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/core/wire"
	"github.com/veilmsg/veil/core/wire/commands"
	"github.com/veilmsg/veil/core/worker"
)

// Store is the persistence the client needs.
type Store interface {
	MessageSink
	Outbox
}

// Config is the client configuration.
type Config struct {
	// Engine holds the local user's decryption and signature sessions.
	Engine engine.Engine

	// LocalAddress is the local user's address.
	LocalAddress pki.Address

	// SignaturePublicKey is the PEM encoded signature public key presented
	// to the relay.
	SignaturePublicKey string

	// Dialer establishes the relay transport.
	Dialer wire.Dialer

	// Paths resolves paths and the guard.
	Paths PathSource

	// Store persists messages.
	Store Store

	// HandshakeTimeout bounds connecting and authenticating.
	HandshakeTimeout time.Duration

	// Reconnect is the delay policy of the reconnect worker.
	Reconnect retry.Policy

	// MaxAttempts and RetryDelay bound the connection attempts of a
	// dispatch.
	MaxAttempts int
	RetryDelay  time.Duration

	// DispatchTimeout bounds a dispatch without a deadline.
	DispatchTimeout time.Duration

	// FlushInterval is the outbox flush period of a started client, zero
	// disables periodic flushes.
	FlushInterval time.Duration

	// PollInterval is the synchronization period of a started client, zero
	// disables periodic synchronization.
	PollInterval time.Duration

	// ReplayCapacity sizes the replay filter.
	ReplayCapacity int

	LogBackend *log.Backend
}

// Client is a veil client.
type Client struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	conn       *Connection
	dispatcher *Dispatcher
	ingester   *Ingester

	syncCh chan struct{}
}

// New returns a client for the given configuration.  Nothing runs until
// Start is called, though Send and Sync may be used at once.
func New(cfg *Config) (*Client, error) {
	if cfg.Engine == nil {
		return nil, errors.New("client: no Engine configured")
	}
	if cfg.LogBackend == nil {
		return nil, errors.New("client: no LogBackend configured")
	}

	c := &Client{
		log:    cfg.LogBackend.GetLogger("client"),
		cfg:    cfg,
		syncCh: make(chan struct{}, 1),
	}

	var err error
	if c.conn, err = NewConnection(&ConnectionConfig{
		Dialer:           cfg.Dialer,
		Signer:           cfg.Engine,
		PublicKey:        cfg.SignaturePublicKey,
		Address:          cfg.LocalAddress,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Reconnect:        cfg.Reconnect,
		LogBackend:       cfg.LogBackend,
	}); err != nil {
		return nil, err
	}

	var outbox Outbox
	var sink MessageSink
	if cfg.Store != nil {
		outbox, sink = cfg.Store, cfg.Store
	}
	if c.dispatcher, err = NewDispatcher(&DispatcherConfig{
		Paths:        cfg.Paths,
		Sealer:       cfg.Engine,
		Link:         c.conn,
		Outbox:       outbox,
		LocalAddress: cfg.LocalAddress,
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   cfg.RetryDelay,
		Timeout:      cfg.DispatchTimeout,
		LogBackend:   cfg.LogBackend,
	}); err != nil {
		return nil, err
	}
	if c.ingester, err = NewIngester(&IngesterConfig{
		Opener:         cfg.Engine,
		Sink:           sink,
		ReplayCapacity: cfg.ReplayCapacity,
		LogBackend:     cfg.LogBackend,
	}); err != nil {
		return nil, err
	}

	c.conn.OnOnion(func(envelopes []commands.Envelope) {
		c.ingester.Ingest(envelopes)
	})
	c.conn.OnStatus(func(st *Status) {
		if st.State == Authenticated {
			c.kickSync()
		}
	})
	return c, nil
}

// Connection returns the relay connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Dispatcher returns the dispatch engine.
func (c *Client) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Ingester returns the ingest engine.
func (c *Client) Ingester() *Ingester {
	return c.ingester
}

// Send queues a message to dest and dispatches it.  A message that fails to
// dispatch stays queued for the next Flush.
func (c *Client) Send(ctx context.Context, dest pki.Address, payload []byte) (*PendingMessage, error) {
	msg, err := c.dispatcher.Enqueue(dest, payload)
	if err != nil {
		return nil, err
	}
	return msg, c.dispatcher.Dispatch(ctx, msg)
}

// Sync pulls the envelopes pending at the relay and ingests them.
func (c *Client) Sync(ctx context.Context) ([]*ParsedMessage, error) {
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}
	envelopes, err := c.conn.Synchronize(ctx)
	if err != nil {
		return nil, err
	}
	return c.ingester.Ingest(envelopes), nil
}

// Start launches the reconnect, synchronization and outbox workers.
func (c *Client) Start() {
	c.conn.Start()
	c.Go(c.syncWorker)
}

// Halt stops every worker and tears down the connection.
func (c *Client) Halt() {
	c.Worker.Halt()
	c.conn.Halt()
}

func (c *Client) kickSync() {
	select {
	case c.syncCh <- struct{}{}:
	default:
	}
}

func tickerCh(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (c *Client) syncWorker() {
	defer c.log.Debugf("Terminating sync worker.")

	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()

	pollCh, stopPoll := tickerCh(c.cfg.PollInterval)
	defer stopPoll()
	flushCh, stopFlush := tickerCh(c.cfg.FlushInterval)
	defer stopFlush()

	for {
		doSync, doFlush := false, false
		select {
		case <-c.HaltCh():
			return
		case <-c.syncCh:
			doSync, doFlush = true, true
		case <-pollCh:
			doSync = true
		case <-flushCh:
			doFlush = true
		}
		if c.conn.Status().State != Authenticated {
			continue
		}

		if doSync {
			envelopes, err := c.conn.Synchronize(ctx)
			if err != nil {
				c.log.Warningf("Failed to synchronize: %v", err)
			} else if msgs := c.ingester.Ingest(envelopes); len(msgs) > 0 {
				c.log.Infof("Received %d messages.", len(msgs))
			}
		}
		if doFlush && c.cfg.Store != nil {
			if sent, err := c.dispatcher.Flush(ctx); err != nil {
				c.log.Warningf("Outbox flush: sent %d, failures: %v", sent, err)
			} else if sent > 0 {
				c.log.Infof("Outbox flush: sent %d messages.", sent)
			}
		}
	}
}

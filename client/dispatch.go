// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/internal/instrument"
	"github.com/veilmsg/veil/route"
)

const (
	defaultDispatchTimeout = 60 * time.Second
	defaultRetryDelay      = 2 * time.Second
)

// PathSource resolves paths to destinations and the local guard.
type PathSource interface {
	Lookup(dest pki.Address) (*route.GraphPath, error)
	Guard() (*pki.Vertex, error)
}

// Sealer builds onions.
type Sealer interface {
	SealOnion(plaintext []byte, keys []string, addresses []pki.Address) ([]byte, error)
}

// Link is the relay connection as used to send.
type Link interface {
	Connect(ctx context.Context) error
	RouteMessage(ctx context.Context, onion []byte) error
}

// DispatcherConfig is the Dispatcher configuration.
type DispatcherConfig struct {
	Paths  PathSource
	Sealer Sealer
	Link   Link

	// Outbox persists messages, and may be nil if Enqueue and Flush are
	// never called.
	Outbox Outbox

	// LocalAddress is carried by the innermost layer of every onion.
	LocalAddress pki.Address

	// MaxAttempts is the number of connection attempts per dispatch.  A
	// failure that is not transient, such as a rejected authentication,
	// ends the dispatch at once.
	MaxAttempts int

	// RetryDelay is the delay between connection attempts.
	RetryDelay time.Duration

	// Timeout bounds a dispatch whose context has no deadline.
	Timeout time.Duration

	LogBackend *log.Backend
}

// Dispatcher seals outbound messages along a known path and submits them.
type Dispatcher struct {
	log *logging.Logger

	paths   PathSource
	sealer  Sealer
	link    Link
	outbox  Outbox
	local   pki.Address
	policy  retry.Policy
	timeout time.Duration
}

// NewDispatcher returns a Dispatcher for the given configuration.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg.Paths == nil || cfg.Sealer == nil || cfg.Link == nil {
		return nil, errors.New("client/dispatch: Paths, Sealer and Link are required")
	}
	if cfg.LocalAddress.IsZero() {
		return nil, errors.New("client/dispatch: no LocalAddress configured")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultDispatchTimeout
	}
	return &Dispatcher{
		log:     cfg.LogBackend.GetLogger("client/dispatch"),
		paths:   cfg.Paths,
		sealer:  cfg.Sealer,
		link:    cfg.Link,
		outbox:  cfg.Outbox,
		local:   cfg.LocalAddress,
		policy:  retry.Fixed(maxAttempts, retryDelay),
		timeout: timeout,
	}, nil
}

// Dispatch seals msg along the preferred path to its destination and
// submits it to the relay, connecting first if needed.  msg is only marked
// sent once the relay acknowledged it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *PendingMessage) error {
	start := time.Now()
	if _, ok := ctx.Deadline(); !ok {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, d.timeout)
		defer cancelFn()
	}

	onion, err := d.seal(msg)
	if err != nil {
		instrument.Dispatch("no_route", time.Since(start))
		return err
	}

	if err = d.policy.Do(ctx, func(attempt int) error {
		err := d.link.Connect(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			d.log.Warningf("Connection attempt %d/%d failed, giving up: %v", attempt+1, d.policy.MaxAttempts, err)
			return retry.Permanent(err)
		}
		d.log.Debugf("Connection attempt %d/%d failed: %v", attempt+1, d.policy.MaxAttempts, err)
		return err
	}); err != nil {
		instrument.Dispatch("unavailable", time.Since(start))
		return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}

	if err = d.link.RouteMessage(ctx, onion); err != nil {
		instrument.Dispatch("failure", time.Since(start))
		return err
	}

	sentAt := time.Now()
	if d.outbox != nil {
		if err = d.outbox.MarkSent(msg.ID, onion, sentAt); err != nil {
			instrument.Dispatch("failure", time.Since(start))
			return err
		}
	}
	msg.Onion = onion
	msg.SentAt = sentAt
	d.log.Debugf("Dispatched %v to %v: %d bytes.", msg.ID, msg.Destination, len(onion))
	instrument.Dispatch("success", time.Since(start))
	return nil
}

func (d *Dispatcher) seal(msg *PendingMessage) ([]byte, error) {
	path, err := d.paths.Lookup(msg.Destination)
	if err != nil {
		if errors.Is(err, route.ErrUnreachable) || errors.Is(err, route.ErrNotReady) {
			return nil, fmt.Errorf("%w: %v: %w", ErrNoRouteAvailable, msg.Destination, err)
		}
		return nil, err
	}
	guard, err := d.paths.Guard()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRouteAvailable, err)
	}

	keys := make([]string, 0, len(path.Keys)+1)
	keys = append(keys, path.Keys...)
	keys = append(keys, guard.PublicKey)
	addresses := make([]pki.Address, 0, len(path.Addresses)+1)
	addresses = append(addresses, d.local)
	addresses = append(addresses, path.Addresses...)

	return d.sealer.SealOnion(msg.Payload, keys, addresses)
}

// Enqueue stores a new unsent message to dest.
func (d *Dispatcher) Enqueue(dest pki.Address, payload []byte) (*PendingMessage, error) {
	if d.outbox == nil {
		return nil, errors.New("client/dispatch: no Outbox configured")
	}
	msg := &PendingMessage{
		ID:          uuid.New(),
		Destination: dest,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if err := d.outbox.PutPending(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Flush dispatches every unsent message, oldest first.  Messages that fail
// stay queued.  It returns the number of messages sent and every failure.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	if d.outbox == nil {
		return 0, errors.New("client/dispatch: no Outbox configured")
	}
	msgs, err := d.outbox.Unsent()
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sent, multierr.Append(errs, err)
		}
		if err := d.Dispatch(ctx, msg); err != nil {
			d.log.Warningf("Failed to dispatch %v: %v", msg.ID, err)
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
	}
	return sent, errs
}

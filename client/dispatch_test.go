// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/route"
)

func newTestDispatcher(t *testing.T, link Link, paths PathSource, sealer Sealer, outbox Outbox, local pki.Address) *Dispatcher {
	d, err := NewDispatcher(&DispatcherConfig{
		Paths:        paths,
		Sealer:       sealer,
		Link:         link,
		Outbox:       outbox,
		LocalAddress: local,
		MaxAttempts:  3,
		RetryDelay:   time.Millisecond,
		LogBackend:   testBackend(t),
	})
	require.NoError(t, err)
	return d
}

func TestDispatchConnectionUnavailable(t *testing.T) {
	require := require.New(t)

	sender := newTestUser(t)
	dest := newTestUser(t)
	guard := newTestUser(t)

	dialer := &countingDialer{err: errors.New("connection refused")}
	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    dialer,
		Signer:    sender.engine,
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
	})
	paths := &staticPaths{
		path: &route.GraphPath{
			Destination: dest.id.Address,
			Keys:        []string{dest.id.PublicKey},
			Addresses:   []pki.Address{dest.id.Address},
		},
		guard: guard.vertex(),
	}
	store := newMemStore()
	d := newTestDispatcher(t, conn, paths, sender.engine, store, sender.id.Address)

	msg, err := d.Enqueue(dest.id.Address, []byte("hello"))
	require.NoError(err)

	err = d.Dispatch(context.Background(), msg)
	require.ErrorIs(err, ErrConnectionUnavailable)
	require.Equal(int32(3), dialer.dials.Load())
	require.False(msg.Sent())

	unsent, err := store.Unsent()
	require.NoError(err)
	require.Len(unsent, 1)
}

type countingLink struct {
	Link
	connects atomic.Int32
}

func (l *countingLink) Connect(ctx context.Context) error {
	l.connects.Add(1)
	return l.Link.Connect(ctx)
}

func testPaths(dest, guard *testUser) *staticPaths {
	return &staticPaths{
		path: &route.GraphPath{
			Destination: dest.id.Address,
			Keys:        []string{dest.id.PublicKey},
			Addresses:   []pki.Address{dest.id.Address},
		},
		guard: guard.vertex(),
	}
}

func TestDispatchWithReconnectWorker(t *testing.T) {
	require := require.New(t)

	sender := newTestUser(t)
	dest := newTestUser(t)
	guard := newTestUser(t)

	dialer := &countingDialer{err: errors.New("connection refused")}
	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    dialer,
		Signer:    sender.engine,
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
		Reconnect: retry.Policy{BaseDelay: time.Millisecond},
	})
	conn.Start()
	require.Eventually(func() bool { return dialer.dials.Load() >= 2 }, 5*time.Second, time.Millisecond)

	link := &countingLink{Link: conn}
	d := newTestDispatcher(t, link, testPaths(dest, guard), sender.engine, nil, sender.id.Address)

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	msg := &PendingMessage{Destination: dest.id.Address, Payload: []byte("hello")}
	err := d.Dispatch(ctx, msg)
	require.ErrorIs(err, ErrConnectionUnavailable)
	require.ErrorIs(err, retry.ErrExhausted)
	require.NoError(ctx.Err())
	require.Equal(int32(3), link.connects.Load())
	require.False(msg.Sent())
}

func TestDispatchAuthenticationRejected(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	sender := newTestUser(t)
	dest := newTestUser(t)
	guard := newTestUser(t)

	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    forgingSigner{},
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
	})
	link := &countingLink{Link: conn}
	d := newTestDispatcher(t, link, testPaths(dest, guard), sender.engine, nil, sender.id.Address)

	msg := &PendingMessage{Destination: dest.id.Address, Payload: []byte("hello")}
	err := d.Dispatch(context.Background(), msg)
	require.ErrorIs(err, ErrConnectionUnavailable)
	require.ErrorIs(err, ErrAuthenticationRejected)
	require.NotErrorIs(err, retry.ErrExhausted)
	require.Equal(int32(1), link.connects.Load())
	require.Equal(int32(1), relay.conns.Load())
}

func TestDispatchNoRoute(t *testing.T) {
	require := require.New(t)

	sender := newTestUser(t)
	dialer := &countingDialer{err: errors.New("connection refused")}
	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    dialer,
		Signer:    sender.engine,
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
	})
	paths := &staticPaths{err: route.ErrUnreachable}
	d := newTestDispatcher(t, conn, paths, sender.engine, nil, sender.id.Address)

	msg := &PendingMessage{Destination: testAddress(9), Payload: []byte("x")}
	err := d.Dispatch(context.Background(), msg)
	require.ErrorIs(err, ErrNoRouteAvailable)
	require.ErrorIs(err, route.ErrUnreachable)
	require.Zero(dialer.dials.Load())
}

func TestDispatchEndToEnd(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	sender := newTestUser(t)
	guard := newTestUser(t)
	hop := newTestUser(t)
	dest := newTestUser(t)

	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    sender.engine,
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
	})
	paths := &staticPaths{
		path: &route.GraphPath{
			Destination: dest.id.Address,
			Keys:        []string{dest.id.PublicKey, hop.id.PublicKey},
			Addresses:   []pki.Address{dest.id.Address, hop.id.Address},
		},
		guard: guard.vertex(),
	}
	store := newMemStore()
	d := newTestDispatcher(t, conn, paths, sender.engine, store, sender.id.Address)

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	msg, err := d.Enqueue(dest.id.Address, []byte("hello"))
	require.NoError(err)
	require.NoError(d.Dispatch(ctx, msg))
	require.True(msg.Sent())

	routed := relay.routedOnions()
	require.Len(routed, 1)
	require.Equal(routed[0], msg.Onion)

	peel := func(u *testUser, onion []byte) (pki.Address, []byte) {
		layer, err := u.engine.UnsealOnion(onion)
		require.NoError(err)
		addr, err := pki.AddressFromBytes(layer[:pki.AddressSize])
		require.NoError(err)
		return addr, layer[pki.AddressSize:]
	}

	// Only the owner of a layer can remove it.
	_, err = hop.engine.UnsealOnion(routed[0])
	require.Error(err)

	next, inner := peel(guard, routed[0])
	require.Equal(hop.id.Address, next)
	next, inner = peel(hop, inner)
	require.Equal(dest.id.Address, next)
	origin, content := peel(dest, inner)
	require.Equal(sender.id.Address, origin)
	require.Equal([]byte("hello"), content)

	unsent, err := store.Unsent()
	require.NoError(err)
	require.Empty(unsent)
}

func TestFlush(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	sender := newTestUser(t)
	guard := newTestUser(t)
	dest := newTestUser(t)

	conn := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    sender.engine,
		PublicKey: sender.id.SignaturePublicKey,
		Address:   sender.id.Address,
	})
	paths := &staticPaths{
		path: &route.GraphPath{
			Destination: dest.id.Address,
			Keys:        []string{dest.id.PublicKey},
			Addresses:   []pki.Address{dest.id.Address},
		},
		guard: guard.vertex(),
	}
	store := newMemStore()
	d := newTestDispatcher(t, conn, paths, sender.engine, store, sender.id.Address)

	for _, s := range []string{"one", "two", "three"} {
		_, err := d.Enqueue(dest.id.Address, []byte(s))
		require.NoError(err)
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	sent, err := d.Flush(ctx)
	require.NoError(err)
	require.Equal(3, sent)
	require.Len(relay.routedOnions(), 3)

	sent, err = d.Flush(ctx)
	require.NoError(err)
	require.Zero(sent)
}

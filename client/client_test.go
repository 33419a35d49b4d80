// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/route"
)

type clientFixture struct {
	relay  *testRelay
	local  *testUser
	peer   *testUser
	store  *memStore
	client *Client
}

func newClientFixture(t *testing.T, pollInterval time.Duration) *clientFixture {
	f := &clientFixture{
		relay: newTestRelay(t),
		local: newTestUser(t),
		peer:  newTestUser(t),
		store: newMemStore(),
	}
	guard := newTestUser(t)

	c, err := New(&Config{
		Engine:             f.local.engine,
		LocalAddress:       f.local.id.Address,
		SignaturePublicKey: f.local.id.SignaturePublicKey,
		Dialer:             f.relay.dialer(),
		Paths: &staticPaths{
			path: &route.GraphPath{
				Destination: f.peer.id.Address,
				Keys:        []string{f.peer.id.PublicKey},
				Addresses:   []pki.Address{f.peer.id.Address},
			},
			guard: guard.vertex(),
		},
		Store:          f.store,
		Reconnect:      retry.Policy{BaseDelay: 5 * time.Millisecond},
		MaxAttempts:    2,
		RetryDelay:     time.Millisecond,
		PollInterval:   pollInterval,
		ReplayCapacity: 1024,
		LogBackend:     testBackend(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Halt)
	f.client = c
	return f
}

func TestClientSync(t *testing.T) {
	require := require.New(t)

	f := newClientFixture(t, 0)
	f.relay.store(sealTo(t, f.peer, f.local, []byte("hi")), []byte("garbage"))

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	msgs, err := f.client.Sync(ctx)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(f.peer.id.Address, msgs[0].Origin)
	require.Equal([]byte("hi"), msgs[0].Content)
	require.Equal(1, f.store.deliveredCount())

	msgs, err = f.client.Sync(ctx)
	require.NoError(err)
	require.Empty(msgs)
}

func TestClientPush(t *testing.T) {
	require := require.New(t)

	f := newClientFixture(t, 0)
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	require.NoError(f.client.Connection().Connect(ctx))

	require.NoError(f.relay.push(ctx, sealTo(t, f.peer, f.local, []byte("live"))))
	require.Eventually(func() bool { return f.store.deliveredCount() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestClientSend(t *testing.T) {
	require := require.New(t)

	f := newClientFixture(t, 0)
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	msg, err := f.client.Send(ctx, f.peer.id.Address, []byte("hello"))
	require.NoError(err)
	require.True(msg.Sent())

	routed := f.relay.routedOnions()
	require.Len(routed, 1)
	_, err = f.peer.engine.UnsealOnion(routed[0])
	require.Error(err, "the outer layer belongs to the guard")
}

func TestClientStart(t *testing.T) {
	require := require.New(t)

	f := newClientFixture(t, 10*time.Millisecond)
	f.relay.store(sealTo(t, f.peer, f.local, []byte("queued")))
	f.client.Start()

	require.Eventually(func() bool {
		return f.client.Connection().Status().State == Authenticated
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(func() bool { return f.store.deliveredCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	f.relay.store(sealTo(t, f.peer, f.local, []byte("polled")))
	require.Eventually(func() bool { return f.store.deliveredCount() == 2 }, 5*time.Second, 5*time.Millisecond)
}

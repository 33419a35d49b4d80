// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/core/wire/commands"
)

type statusRecorder struct {
	sync.Mutex
	states []State
}

func (r *statusRecorder) observe(st *Status) {
	r.Lock()
	defer r.Unlock()
	r.states = append(r.states, st.State)
}

func (r *statusRecorder) get() []State {
	r.Lock()
	defer r.Unlock()
	return append([]State(nil), r.states...)
}

func newTestConnection(t *testing.T, cfg *ConnectionConfig) *Connection {
	if cfg.LogBackend == nil {
		cfg.LogBackend = testBackend(t)
	}
	if cfg.PublicKey == "" {
		cfg.PublicKey = "unused"
	}
	c, err := NewConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Halt)
	return c
}

func TestStatusHistory(t *testing.T) {
	require := require.New(t)

	st := &Status{State: NotConnected}
	require.Equal(1, st.Depth())
	for i := 0; i < 20; i++ {
		st = st.next(State(i%7), nil)
		require.LessOrEqual(st.Depth(), HistoryDepth)
	}
	require.Equal(HistoryDepth, st.Depth())

	head := st
	next := head.next(Error, errors.New("boom"))
	require.Equal(HistoryDepth, next.Depth())
	require.Equal(head.State, next.Previous.State)
	require.Equal(HistoryDepth, head.Depth(), "earlier statuses are never modified")
	require.Equal("Error (boom)", next.String())
	require.Equal("Authenticated", Authenticated.String())

	short := (&Status{State: NotConnected}).next(Connecting, nil)
	require.Same(short, short.next(Connected, nil).Previous)
}

func TestConnectAuthenticated(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)
	rec := new(statusRecorder)

	c := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    user.engine,
		PublicKey: user.id.SignaturePublicKey,
		Address:   user.id.Address,
	})
	c.OnStatus(rec.observe)
	require.Equal(NotConnected, c.Status().State)

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	require.NoError(c.Connect(ctx))

	st := c.Status()
	require.Equal(Authenticated, st.State)
	require.Equal([]State{Authenticated, Authenticating, Connected, Connecting, NotConnected}, st.History())
	require.Equal([]State{Connecting, Connected, Authenticating, Authenticated}, rec.get())

	// Already authenticated: no new dial.
	require.NoError(c.Connect(ctx))
	require.Equal(int32(1), relay.conns.Load())

	require.NoError(c.RouteMessage(ctx, []byte("onion")))
	require.Equal([][]byte{[]byte("onion")}, relay.routedOnions())

	relay.store([]byte("a"), []byte("b"))
	envs, err := c.Synchronize(ctx)
	require.NoError(err)
	require.Len(envs, 2)
	envs, err = c.Synchronize(ctx)
	require.NoError(err)
	require.Empty(envs)
}

func TestConnectionStaysAuthenticated(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)

	for i := 0; i < 20; i++ {
		c := newTestConnection(t, &ConnectionConfig{
			Dialer:    relay.dialer(),
			Signer:    user.engine,
			PublicKey: user.id.SignaturePublicKey,
			Address:   user.id.Address,
		})
		require.NoError(c.Connect(context.Background()))

		// The handshake context is gone by now, the read worker must not
		// notice.
		time.Sleep(30 * time.Millisecond)
		st := c.Status()
		require.Equal(Authenticated, st.State, "attempt %d: %v history=%v", i, st, st.History())
		c.Halt()
	}
}

func TestConnectRejected(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)

	c := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    forgingSigner{},
		PublicKey: user.id.SignaturePublicKey,
		Address:   user.id.Address,
	})

	err := c.Connect(context.Background())
	require.ErrorIs(err, ErrAuthenticationRejected)

	st := c.Status()
	require.Equal(Error, st.State)
	require.ErrorIs(st.Err, ErrAuthenticationRejected)
	require.Equal(Authenticating, st.Previous.State)

	require.ErrorIs(c.RouteMessage(context.Background(), []byte("x")), ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	require := require.New(t)

	d := &countingDialer{err: errors.New("connection refused")}
	c := newTestConnection(t, &ConnectionConfig{Dialer: d, Signer: forgingSigner{}})

	err := c.Connect(context.Background())
	var connErr *ConnectError
	require.ErrorAs(err, &connErr)
	require.Equal(Error, c.Status().State)
	require.Equal(Connecting, c.Status().Previous.State)

	// A failed attempt does not block the next one.
	require.Error(c.Connect(context.Background()))
	require.Equal(int32(2), d.dials.Load())
}

func TestConnectCoalesces(t *testing.T) {
	require := require.New(t)

	d := &countingDialer{
		err:     errors.New("connection refused"),
		release: make(chan struct{}),
	}
	c := newTestConnection(t, &ConnectionConfig{Dialer: d, Signer: forgingSigner{}})

	const callers = 5
	errCh := make(chan error, callers)
	go func() { errCh <- c.Connect(context.Background()) }()
	require.Eventually(func() bool { return d.dials.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.Equal(Connecting, c.Status().State)

	for i := 1; i < callers; i++ {
		go func() { errCh <- c.Connect(context.Background()) }()
	}

	// An impatient caller gives up without cancelling the attempt.
	ctx, cancelFn := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelFn()
	require.ErrorIs(c.Connect(ctx), context.DeadlineExceeded)
	require.Equal(Connecting, c.Status().State)

	close(d.release)
	for i := 0; i < callers; i++ {
		var connErr *ConnectError
		require.ErrorAs(<-errCh, &connErr)
	}
	require.Equal(int32(1), d.dials.Load())
}

func TestDisconnect(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)
	c := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    user.engine,
		PublicKey: user.id.SignaturePublicKey,
		Address:   user.id.Address,
	})

	pushed := make(chan []commands.Envelope, 1)
	c.OnOnion(func(envs []commands.Envelope) { pushed <- envs })

	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	require.NoError(c.Connect(ctx))

	require.NoError(relay.push(ctx, []byte("live")))
	select {
	case envs := <-pushed:
		require.Len(envs, 1)
	case <-ctx.Done():
		t.Fatal("no pushed envelopes")
	}

	relay.Lock()
	relay.current.SendCommand(ctx, &commands.Disconnect{Reason: "bye"})
	relay.Unlock()
	require.Eventually(func() bool { return c.Status().State == Disconnected }, 5*time.Second, 10*time.Millisecond)

	var protoErr *ProtocolError
	require.ErrorAs(c.Status().Err, &protoErr)
	require.ErrorIs(c.RouteMessage(ctx, []byte("x")), ErrNotConnected)
}

func TestReconnectWorker(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)
	d := &countingDialer{err: errors.New("connection refused")}
	c := newTestConnection(t, &ConnectionConfig{
		Dialer:    d,
		Signer:    user.engine,
		PublicKey: user.id.SignaturePublicKey,
		Address:   user.id.Address,
		Reconnect: retry.Policy{BaseDelay: 5 * time.Millisecond},
	})
	c.Start()

	require.Eventually(func() bool { return d.dials.Load() >= 3 }, 5*time.Second, time.Millisecond)

	// Let the relay come up: the worker keeps trying until it is in.
	d.setNext(relay.dialer())
	require.Eventually(func() bool { return c.Status().State == Authenticated }, 5*time.Second, 5*time.Millisecond)

	c.Halt()
	require.ErrorIs(c.Connect(context.Background()), ErrShutdown)
}

func TestReconnectWorkerRejected(t *testing.T) {
	require := require.New(t)

	relay := newTestRelay(t)
	user := newTestUser(t)
	c := newTestConnection(t, &ConnectionConfig{
		Dialer:    relay.dialer(),
		Signer:    forgingSigner{},
		PublicKey: user.id.SignaturePublicKey,
		Address:   user.id.Address,
		Reconnect: retry.Policy{BaseDelay: time.Millisecond, Exponential: true, MaxDelay: time.Second},
	})
	c.Start()

	// The initial attempt and one quick retry, then the worker waits for
	// the longest delay instead of hammering the relay.
	require.Eventually(func() bool { return relay.conns.Load() == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(int32(2), relay.conns.Load())
	require.ErrorIs(c.Status().Err, ErrAuthenticationRejected)
}

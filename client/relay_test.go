// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/core/crypto/engine"
	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/wire"
	"github.com/veilmsg/veil/core/wire/commands"
	"github.com/veilmsg/veil/route"
)

// testRelay is a minimal relay speaking the client protocol.
type testRelay struct {
	sync.Mutex

	srv      *httptest.Server
	verifier *engine.HPQC

	conns   atomic.Int32
	current wire.Channel
	routed  [][]byte
	pending []commands.Envelope
}

func newTestRelay(t *testing.T) *testRelay {
	verifier, err := engine.NewDefault()
	require.NoError(t, err)

	r := &testRelay{verifier: verifier}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns.Add(1)
		r.serve(wire.NewChannel(conn, time.Second))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) dialer() *wire.WebSocketDialer {
	return &wire.WebSocketDialer{URL: "ws" + strings.TrimPrefix(r.srv.URL, "http")}
}

func (r *testRelay) serve(ch wire.Channel) {
	defer ch.Close()
	ctx := context.Background()

	var token []byte
	for {
		rawCmd, err := ch.RecvCommand(ctx)
		if err != nil {
			return
		}
		switch cmd := rawCmd.(type) {
		case *commands.GenerateToken:
			token = make([]byte, 32)
			rand.Reader.Read(token)
			ch.SendCommand(ctx, &commands.Token{Header: cmd.Header, Token: token})
		case *commands.Authenticate:
			ok := token != nil && r.verifier.Verify(cmd.PublicKey, token, cmd.Signature)
			res := &commands.AuthenticateResult{Header: cmd.Header, Accepted: ok}
			if !ok {
				res.Reason = "bad signature"
				ch.SendCommand(ctx, res)
				return
			}
			r.Lock()
			r.current = ch
			r.Unlock()
			ch.SendCommand(ctx, res)
		case *commands.RouteMessage:
			onion, err := commands.DecodeOnion(cmd.Onion)
			res := &commands.RouteMessageResult{Header: cmd.Header, Accepted: err == nil}
			if err != nil {
				res.Error = err.Error()
			} else {
				r.Lock()
				r.routed = append(r.routed, onion)
				r.Unlock()
			}
			ch.SendCommand(ctx, res)
		case *commands.Synchronize:
			r.Lock()
			envs := r.pending
			r.pending = nil
			r.Unlock()
			ch.SendCommand(ctx, &commands.Envelopes{Header: cmd.Header, Envelopes: envs})
		case *commands.Disconnect:
			return
		}
	}
}

func (r *testRelay) store(onions ...[]byte) {
	r.Lock()
	defer r.Unlock()
	for _, onion := range onions {
		r.pending = append(r.pending, commands.Envelope{
			ID:        uuid.NewString(),
			Onion:     commands.EncodeOnion(onion),
			Timestamp: time.Now().Unix(),
		})
	}
}

func (r *testRelay) push(ctx context.Context, onions ...[]byte) error {
	r.Lock()
	ch := r.current
	r.Unlock()
	if ch == nil {
		return errors.New("no authenticated connection")
	}
	envs := make([]commands.Envelope, 0, len(onions))
	for _, onion := range onions {
		envs = append(envs, commands.Envelope{ID: uuid.NewString(), Onion: commands.EncodeOnion(onion)})
	}
	return ch.SendCommand(ctx, &commands.Envelopes{Envelopes: envs})
}

func (r *testRelay) routedOnions() [][]byte {
	r.Lock()
	defer r.Unlock()
	return append([][]byte(nil), r.routed...)
}

// testUser is a local user with both engine sessions initialized.
type testUser struct {
	engine *engine.HPQC
	id     *engine.Identity
}

func newTestUser(t *testing.T) *testUser {
	e, err := engine.NewDefault()
	require.NoError(t, err)
	id, err := e.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, e.InitDecryptionSession(id.DecryptionKey, nil))
	require.NoError(t, e.InitSignatureSession(id.SignatureKey, nil))
	return &testUser{engine: e, id: id}
}

func (u *testUser) vertex() *pki.Vertex {
	return &pki.Vertex{Address: u.id.Address, PublicKey: u.id.PublicKey}
}

func testBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

type forgingSigner struct{}

func (forgingSigner) Sign([]byte) ([]byte, error) {
	return make([]byte, 64), nil
}

type countingDialer struct {
	sync.Mutex

	dials   atomic.Int32
	err     error
	release chan struct{}
	next    wire.Dialer
}

func (d *countingDialer) setNext(next wire.Dialer) {
	d.Lock()
	defer d.Unlock()
	d.next = next
}

func (d *countingDialer) Dial(ctx context.Context) (wire.Channel, error) {
	d.dials.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.Lock()
	next := d.next
	d.Unlock()
	if next != nil {
		return next.Dial(ctx)
	}
	return nil, d.err
}

type staticPaths struct {
	path  *route.GraphPath
	guard *pki.Vertex
	err   error
}

func (p *staticPaths) Lookup(dest pki.Address) (*route.GraphPath, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.path, nil
}

func (p *staticPaths) Guard() (*pki.Vertex, error) {
	return p.guard, nil
}

type memStore struct {
	sync.Mutex

	pending   []*PendingMessage
	sent      map[uuid.UUID][]byte
	delivered []*ParsedMessage
}

func newMemStore() *memStore {
	return &memStore{sent: make(map[uuid.UUID][]byte)}
}

func (s *memStore) PutPending(msg *PendingMessage) error {
	s.Lock()
	defer s.Unlock()
	s.pending = append(s.pending, msg)
	return nil
}

func (s *memStore) Unsent() ([]*PendingMessage, error) {
	s.Lock()
	defer s.Unlock()
	var msgs []*PendingMessage
	for _, msg := range s.pending {
		if _, ok := s.sent[msg.ID]; !ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (s *memStore) MarkSent(id uuid.UUID, onion []byte, _ time.Time) error {
	s.Lock()
	defer s.Unlock()
	s.sent[id] = onion
	return nil
}

func (s *memStore) Deliver(msg *ParsedMessage) error {
	s.Lock()
	defer s.Unlock()
	s.delivered = append(s.delivered, msg)
	return nil
}

func (s *memStore) deliveredCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.delivered)
}

func testAddress(b byte) pki.Address {
	var a pki.Address
	a[0] = b
	return a
}

// connection.go - Client to relay connection.
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

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/retry"
	"github.com/veilmsg/veil/core/wire"
	"github.com/veilmsg/veil/core/wire/commands"
	"github.com/veilmsg/veil/core/worker"
	"github.com/veilmsg/veil/internal/instrument"
)

const (
	defaultHandshakeTimeout   = 30 * time.Second
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 2 * time.Minute
)

// Signer signs authentication tokens.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// ConnectionConfig is the relay connection configuration.
type ConnectionConfig struct {
	// Dialer establishes the transport.
	Dialer wire.Dialer

	// Signer signs the relay's token.
	Signer Signer

	// PublicKey is the PEM encoded signature public key presented to the
	// relay.
	PublicKey string

	// Address is the local address presented to the relay.
	Address pki.Address

	// HandshakeTimeout bounds dialing and authentication.
	HandshakeTimeout time.Duration

	// Reconnect is the delay policy of the reconnect worker.  The zero
	// value selects an exponential backoff from one second to two minutes.
	Reconnect retry.Policy

	// LogBackend is the logging backend.
	LogBackend *log.Backend
}

type connectAttempt struct {
	doneCh chan struct{}
	err    error
}

// Connection is the persistent, authenticated connection to the relay.
//
// Status changes are published, in order, to every observer registered with
// OnStatus.  Observers are called synchronously and must not block, nor
// call Connect.
type Connection struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger
	cfg *ConnectionConfig

	status    *Status
	attempt   *connectAttempt
	ch        wire.Channel
	pending   map[uint64]chan commands.Command
	observers []func(*Status)
	onOnion   func([]commands.Envelope)

	seq          atomic.Uint64
	transitionMu sync.Mutex
	reconnectCh  chan struct{}
}

// NewConnection returns a Connection in the NotConnected state.  No
// connection is attempted until Connect or Start is called.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("client/conn: no Dialer configured")
	}
	if cfg.Signer == nil {
		return nil, errors.New("client/conn: no Signer configured")
	}
	if cfg.PublicKey == "" {
		return nil, errors.New("client/conn: no PublicKey configured")
	}
	ccfg := *cfg
	if ccfg.HandshakeTimeout == 0 {
		ccfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if ccfg.Reconnect.BaseDelay == 0 {
		ccfg.Reconnect = retry.Backoff(defaultReconnectBaseDelay, defaultReconnectMaxDelay)
	}

	c := &Connection{
		log:         cfg.LogBackend.GetLogger("client/conn"),
		cfg:         &ccfg,
		status:      &Status{State: NotConnected},
		pending:     make(map[uint64]chan commands.Command),
		reconnectCh: make(chan struct{}, 1),
	}
	c.observers = []func(*Status){c.onStatusReconnect}
	return c, nil
}

// Status returns the current status.
func (c *Connection) Status() *Status {
	c.Lock()
	defer c.Unlock()
	return c.status
}

// OnStatus registers fn to be called with every new status.
func (c *Connection) OnStatus(fn func(*Status)) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	c.Lock()
	defer c.Unlock()
	c.observers = append(c.observers, fn)
}

// OnOnion registers fn to be called with the envelopes the relay pushes.
func (c *Connection) OnOnion(fn func([]commands.Envelope)) {
	c.Lock()
	defer c.Unlock()
	c.onOnion = fn
}

// Start launches the reconnect worker, which connects immediately and
// reconnects whenever the connection is lost.
func (c *Connection) Start() {
	c.Go(c.reconnectWorker)
}

// Connect establishes and authenticates the connection, unless that is
// already done.  Concurrent calls share a single attempt.  Cancelling ctx
// abandons the wait, not the attempt.
func (c *Connection) Connect(ctx context.Context) error {
	if c.IsHalted() {
		return ErrShutdown
	}

	c.Lock()
	if c.ch != nil && c.status.State == Authenticated {
		c.Unlock()
		return nil
	}
	a := c.attempt
	if a == nil {
		a = &connectAttempt{doneCh: make(chan struct{})}
		c.attempt = a
		c.Unlock()

		c.transition(Connecting, nil)
		c.Go(func() { c.doConnect(a) })
	} else {
		c.Unlock()
		c.log.Debugf("Joining in-flight connection attempt.")
	}

	select {
	case <-a.doneCh:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RouteMessage submits one onion and waits for the relay's acknowledgement.
func (c *Connection) RouteMessage(ctx context.Context, onion []byte) error {
	resp, err := c.request(ctx, func(hdr commands.Header) commands.Command {
		return &commands.RouteMessage{Header: hdr, Onion: commands.EncodeOnion(onion)}
	})
	if err != nil {
		return err
	}
	r, ok := resp.(*commands.RouteMessageResult)
	if !ok {
		return newProtocolError("expected RouteMessageResult, received %T", resp)
	}
	if !r.Accepted {
		return fmt.Errorf("%w: %v", ErrMessageRejected, r.Error)
	}
	return nil
}

// Synchronize pulls the envelopes the relay holds for the local user.
func (c *Connection) Synchronize(ctx context.Context) ([]commands.Envelope, error) {
	resp, err := c.request(ctx, func(hdr commands.Header) commands.Command {
		return &commands.Synchronize{Header: hdr}
	})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*commands.Envelopes)
	if !ok {
		return nil, newProtocolError("expected Envelopes, received %T", resp)
	}
	return r.Envelopes, nil
}

func (c *Connection) nextSeq() uint64 {
	return c.seq.Add(1)
}

func (c *Connection) request(ctx context.Context, build func(commands.Header) commands.Command) (commands.Command, error) {
	c.Lock()
	ch := c.ch
	if ch == nil || c.status.State != Authenticated {
		c.Unlock()
		return nil, ErrNotConnected
	}
	seq := c.nextSeq()
	respCh := make(chan commands.Command, 1)
	c.pending[seq] = respCh
	c.Unlock()

	if err := ch.SendCommand(ctx, build(commands.Header{Seq: seq})); err != nil {
		c.forget(seq)
		return nil, err
	}
	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	}
}

func (c *Connection) forget(seq uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.pending, seq)
}

func (c *Connection) transition(state State, err error) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.Lock()
	st := c.status.next(state, err)
	c.status = st
	observers := make([]func(*Status), len(c.observers))
	copy(observers, c.observers)
	c.Unlock()

	if err != nil {
		c.log.Warningf("%v -> %v", st.Previous.State, st)
	} else {
		c.log.Debugf("%v -> %v", st.Previous.State, st)
	}
	instrument.ConnectionState(state.String())
	for _, fn := range observers {
		fn(st)
	}
}

func (c *Connection) doConnect(a *connectAttempt) {
	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()
	ctx, timeoutFn := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer timeoutFn()

	err := c.establish(ctx)

	c.Lock()
	c.attempt = nil
	c.Unlock()
	a.err = err
	close(a.doneCh)
}

func (c *Connection) establish(ctx context.Context) error {
	c.log.Debugf("Dialing relay.")
	ch, err := c.cfg.Dialer.Dial(ctx)
	instrument.Dial(err == nil)
	if err != nil {
		if c.IsHalted() {
			err = ErrShutdown
		} else {
			err = &ConnectError{Err: err}
		}
		c.transition(Error, err)
		return err
	}
	c.transition(Connected, nil)

	c.transition(Authenticating, nil)
	if err = c.authenticate(ctx, ch); err != nil {
		ch.Close()
		c.transition(Error, err)
		return err
	}

	c.Lock()
	c.ch = ch
	c.Unlock()
	c.transition(Authenticated, nil)
	c.Go(func() { c.readWorker(ch) })
	return nil
}

func (c *Connection) authenticate(ctx context.Context, ch wire.Channel) error {
	seq := c.nextSeq()
	if err := ch.SendCommand(ctx, &commands.GenerateToken{Header: commands.Header{Seq: seq}}); err != nil {
		return &ConnectError{Err: err}
	}
	cmd, err := ch.RecvCommand(ctx)
	if err != nil {
		return &ConnectError{Err: err}
	}
	tok, ok := cmd.(*commands.Token)
	if !ok {
		return newProtocolError("expected Token, received %T", cmd)
	}
	if tok.Sequence() != seq {
		return newProtocolError("invalid/unexpected sequence: %v (Expecting: %v)", tok.Sequence(), seq)
	}

	sig, err := c.cfg.Signer.Sign(tok.Token)
	if err != nil {
		return fmt.Errorf("client/conn: failed to sign token: %w", err)
	}
	seq = c.nextSeq()
	auth := &commands.Authenticate{
		Header:    commands.Header{Seq: seq},
		Address:   c.cfg.Address,
		PublicKey: c.cfg.PublicKey,
		Signature: sig,
	}
	if err = ch.SendCommand(ctx, auth); err != nil {
		return &ConnectError{Err: err}
	}
	if cmd, err = ch.RecvCommand(ctx); err != nil {
		return &ConnectError{Err: err}
	}
	res, ok := cmd.(*commands.AuthenticateResult)
	if !ok {
		return newProtocolError("expected AuthenticateResult, received %T", cmd)
	}
	if res.Sequence() != seq {
		return newProtocolError("invalid/unexpected sequence: %v (Expecting: %v)", res.Sequence(), seq)
	}
	if !res.Accepted {
		return fmt.Errorf("%w: %v", ErrAuthenticationRejected, res.Reason)
	}
	return nil
}

func (c *Connection) readWorker(ch wire.Channel) {
	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()

	var err error
	defer func() {
		c.onDisconnect(ch, err)
	}()

	for {
		var rawCmd commands.Command
		if rawCmd, err = ch.RecvCommand(ctx); err != nil {
			if c.IsHalted() {
				err = ErrShutdown
			}
			c.log.Debugf("Failed to receive command: %v", err)
			return
		}

		switch cmd := rawCmd.(type) {
		case *commands.Disconnect:
			c.log.Debugf("Received Disconnect: %v", cmd.Reason)
			err = newProtocolError("peer sent Disconnect: %v", cmd.Reason)
			return
		case *commands.Envelopes:
			if cmd.Sequence() == 0 {
				c.log.Debugf("Received %d pushed envelopes.", len(cmd.Envelopes))
				c.Lock()
				fn := c.onOnion
				c.Unlock()
				if fn != nil {
					fn(cmd.Envelopes)
				}
				continue
			}
			c.reply(cmd)
		case *commands.RouteMessageResult:
			c.reply(cmd)
		default:
			c.log.Errorf("Received unexpected command: %T", cmd)
			err = newProtocolError("received unexpected command: %T", cmd)
			return
		}
	}
}

func (c *Connection) reply(cmd commands.Command) {
	c.Lock()
	respCh, ok := c.pending[cmd.Sequence()]
	delete(c.pending, cmd.Sequence())
	c.Unlock()
	if !ok {
		// The requester gave up on it.
		c.log.Debugf("Dropping reply for unknown sequence: %v", cmd.Sequence())
		return
	}
	respCh <- cmd
}

func (c *Connection) onDisconnect(ch wire.Channel, err error) {
	c.Lock()
	current := c.ch == ch
	var pending map[uint64]chan commands.Command
	if current {
		c.ch = nil
		pending = c.pending
		c.pending = make(map[uint64]chan commands.Command)
	}
	c.Unlock()

	for _, respCh := range pending {
		close(respCh)
	}
	if closeErr := ch.Close(); closeErr != nil && !wire.IsClosedError(closeErr) {
		err = multierr.Append(err, closeErr)
	}
	if current {
		c.transition(Disconnected, err)
	}
}

func (c *Connection) onStatusReconnect(st *Status) {
	switch st.State {
	case Disconnected, Error, NotConnected:
		c.kickReconnect()
	}
}

func (c *Connection) kickReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *Connection) reconnectWorker() {
	defer c.log.Debugf("Terminating reconnect worker.")

	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()

	// A failure here is retried, as the Error transition kicks the loop.
	if err := c.Connect(ctx); err != nil && !c.IsHalted() {
		c.log.Warningf("Initial connection attempt failed: %v", err)
	}

	for {
		select {
		case <-c.HaltCh():
			return
		case <-c.reconnectCh:
		}

		delay := c.cfg.Reconnect.DelayFor(0)
		for attempt := 0; ; attempt++ {
			if err := retry.Sleep(ctx, delay); err != nil {
				return
			}
			err := c.Connect(ctx)
			if err == nil {
				break
			}
			if c.IsHalted() {
				return
			}
			if !isTransient(err) {
				delay = c.cfg.Reconnect.Ceiling()
				c.log.Errorf("Reconnect attempt %d failed, next in %v: %v", attempt+1, delay, err)
				continue
			}
			delay = c.cfg.Reconnect.DelayFor(attempt + 1)
			c.log.Warningf("Reconnect attempt %d failed: %v", attempt+1, err)
		}
	}
}

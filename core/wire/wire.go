// wire.go - Relay connection transport.
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

// Package wire implements the persistent relay connection, carrying
// protocol commands over a WebSocket.
package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmsg/veil/core/wire/commands"
	"github.com/veilmsg/veil/core/worker"
)

const (
	// DefaultHandshakeTimeout bounds the WebSocket opening handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultPingInterval is the keepalive ping period.
	DefaultPingInterval = 30 * time.Second

	writeWait = 10 * time.Second
)

// ErrClosed is the error returned when using a closed Channel.
var ErrClosed = errors.New("wire: channel closed")

// Channel is an established, framed connection to a relay.
type Channel interface {
	// SendCommand writes one command.
	SendCommand(ctx context.Context, cmd commands.Command) error

	// RecvCommand reads the next command.  Once RecvCommand returns an
	// error, including due to ctx, the Channel is unusable.
	RecvCommand(ctx context.Context) (commands.Command, error)

	// Close tears down the connection.
	Close() error
}

// Dialer establishes Channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialContextFn is the signature of the function used to open the
// underlying network connection, eg: one that goes through a proxy.
type DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)

// WebSocketDialer dials a relay's WebSocket endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// DialContext opens the underlying connection.  If nil, a plain
	// net.Dialer is used.
	DialContext DialContextFn

	// Header is sent with the opening handshake.
	Header http.Header

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period.  A pending RecvCommand fails
	// when no frame or pong arrives for twice this period.
	PingInterval time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	wsDialer := &websocket.Dialer{
		NetDialContext:   d.DialContext,
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if d.DialContext != nil {
		wsDialer.Proxy = nil
	}

	conn, resp, err := wsDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wire: handshake failed: %s: %w", resp.Status, err)
		}
		return nil, err
	}

	pingInterval := d.PingInterval
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}
	return NewChannel(conn, pingInterval), nil
}

type wsChannel struct {
	worker.Worker

	conn         *websocket.Conn
	pingInterval time.Duration

	writeLock sync.Mutex

	readLock      sync.Mutex
	readCancelled bool

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps an established WebSocket connection, from either side,
// into a Channel that keeps itself alive with pings.  The read deadline is
// only armed while a RecvCommand is pending, so an idle Channel stays open.
func NewChannel(conn *websocket.Conn, pingInterval time.Duration) Channel {
	c := &wsChannel{
		conn:         conn,
		pingInterval: pingInterval,
	}
	conn.SetReadLimit(commands.MaxFrameSize)
	conn.SetPongHandler(func(string) error {
		return c.extendReadDeadline()
	})
	c.Go(c.pingWorker)
	return c
}

func (c *wsChannel) extendReadDeadline() error {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	if c.readCancelled {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

func (c *wsChannel) cancelRead() {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	c.readCancelled = true
	c.conn.SetReadDeadline(time.Now())
}

func (c *wsChannel) disarmRead() {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	c.readCancelled = false
	c.conn.SetReadDeadline(time.Time{})
}

func (c *wsChannel) pingWorker() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
		}
		c.writeLock.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.writeLock.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsChannel) SendCommand(ctx context.Context, cmd commands.Command) error {
	if c.IsHalted() {
		return ErrClosed
	}
	b, err := commands.ToBytes(cmd)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsChannel) RecvCommand(ctx context.Context) (commands.Command, error) {
	if c.IsHalted() {
		return nil, ErrClosed
	}
	c.disarmRead()

	// Unblock the read if ctx is done first.  The watcher is joined before
	// returning so that it never touches the deadline of a later read.
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		select {
		case <-ctx.Done():
			c.cancelRead()
		case <-stopCh:
		}
	}()

	b, err := c.readMessage()
	close(stopCh)
	<-doneCh
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	c.disarmRead()
	return commands.FromBytes(b)
}

// readMessage returns the next binary message, skipping any other.
func (c *wsChannel) readMessage() ([]byte, error) {
	if err := c.extendReadDeadline(); err != nil {
		return nil, err
	}
	for {
		msgType, b, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeLock.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeLock.Unlock()
		c.closeErr = c.conn.Close()
		c.Halt()
	})
	return c.closeErr
}

// IsClosedError returns true iff err signals that the peer closed the
// connection.
func IsClosedError(err error) bool {
	var closeErr *websocket.CloseError
	return errors.Is(err, ErrClosed) || errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed)
}

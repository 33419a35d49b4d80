// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"

	"github.com/veilmsg/veil/core/retry"
)

var (
	// ErrNoRouteAvailable is the error returned when no path to a
	// destination is known.
	ErrNoRouteAvailable = errors.New("client: no route available")

	// ErrConnectionUnavailable is the error returned when the relay
	// connection could not be authenticated in the allotted attempts.
	ErrConnectionUnavailable = errors.New("client: connection unavailable")

	// ErrAuthenticationRejected is the error returned when the relay rejects
	// the signed token.
	ErrAuthenticationRejected = errors.New("client: authentication rejected")

	// ErrNotConnected is the error returned when an operation requires an
	// authenticated connection and there is none.
	ErrNotConnected = errors.New("client: not connected to the relay")

	// ErrMessageRejected is the error returned when the relay refuses an
	// onion.
	ErrMessageRejected = errors.New("client: relay rejected message")

	// ErrShutdown is the error returned once the client is halted.
	ErrShutdown = errors.New("client: shutdown requested")
)

// ConnectError is the error used to indicate that a connect attempt has
// failed.
type ConnectError struct {
	// Err is the original error that caused the connect attempt to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("client/conn: connect error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError is the error used to indicate that the connection was closed
// due to wire protocol related reasons.
type ProtocolError struct {
	// Err is the original error that triggered connection termination.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("client/conn: protocol error: %v", e.Err)
}

// Unwrap returns the original error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// isTransient returns true if a failed connect attempt may succeed when
// repeated.  A rejected token or a protocol violation fails the same way
// every time.
func isTransient(err error) bool {
	var protoErr *ProtocolError
	switch {
	case errors.Is(err, ErrAuthenticationRejected), errors.Is(err, ErrShutdown), errors.As(err, &protoErr):
		return false
	}
	return retry.IsTransientError(err)
}

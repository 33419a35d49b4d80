// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the relay connection protocol commands.
//
// Every command travels as a single CBOR encoded frame naming its kind.
// Requests carry a sequence number which the matching reply echoes; pushed
// commands use sequence number 0.
package commands

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmsg/veil/core/pki"
)

// MaxFrameSize is the largest frame either peer accepts.
const MaxFrameSize = 1 << 20

const maxEnvelopes = 1 << 16

const (
	kindGenerateToken      = "GenerateToken"
	kindToken              = "Token"
	kindAuthenticate       = "Authenticate"
	kindAuthenticateResult = "AuthenticateResult"
	kindRouteMessage       = "RouteMessage"
	kindRouteMessageResult = "RouteMessageResult"
	kindSynchronize        = "Synchronize"
	kindEnvelopes          = "Envelopes"
	kindDisconnect         = "Disconnect"
)

var (
	errInvalidCommand = errors.New("wire: invalid wire protocol command")
	errFrameTooLarge  = errors.New("wire: frame too large")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	// Byte strings are bounded by MaxFrameSize, checked before decoding.
	decOpts := cbor.DecOptions{
		MaxNestedLevels:  8,
		MaxArrayElements: maxEnvelopes,
		MaxMapPairs:      16,
		IndefLength:      cbor.IndefLengthForbidden,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Command is the common interface exposed by all protocol commands.
type Command interface {
	// Sequence returns the command's sequence number.
	Sequence() uint64

	kind() string
}

// Header carries the sequence number shared by every command.
type Header struct {
	Seq uint64 `cbor:"seq"`
}

// Sequence implements Command.
func (h *Header) Sequence() uint64 {
	return h.Seq
}

// GenerateToken requests an authentication challenge.
type GenerateToken struct {
	Header
}

// Token is the relay's authentication challenge.
type Token struct {
	Header
	Token []byte `cbor:"token"`
}

// Authenticate answers a Token with a signature over it.
type Authenticate struct {
	Header
	Address   pki.Address `cbor:"address"`
	PublicKey string      `cbor:"publicKey"`
	Signature []byte      `cbor:"signature"`
}

// AuthenticateResult is the relay's verdict on an Authenticate.
type AuthenticateResult struct {
	Header
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`
}

// RouteMessage submits one onion for forwarding.
type RouteMessage struct {
	Header
	Onion string `cbor:"onion"`
}

// RouteMessageResult acknowledges a RouteMessage.
type RouteMessageResult struct {
	Header
	Accepted bool   `cbor:"accepted"`
	Error    string `cbor:"error,omitempty"`
}

// Synchronize requests the envelopes pending for the authenticated user.
type Synchronize struct {
	Header
}

// Envelope is one onion stored by the relay.
type Envelope struct {
	ID        string `cbor:"id"`
	Onion     string `cbor:"onion"`
	Timestamp int64  `cbor:"timestamp"`
}

// Envelopes answers a Synchronize, or is pushed with sequence number 0.
type Envelopes struct {
	Header
	Envelopes []Envelope `cbor:"envelopes"`
}

// Disconnect announces that the peer is closing the connection.
type Disconnect struct {
	Header
	Reason string `cbor:"reason,omitempty"`
}

func (*GenerateToken) kind() string      { return kindGenerateToken }
func (*Token) kind() string              { return kindToken }
func (*Authenticate) kind() string       { return kindAuthenticate }
func (*AuthenticateResult) kind() string { return kindAuthenticateResult }
func (*RouteMessage) kind() string       { return kindRouteMessage }
func (*RouteMessageResult) kind() string { return kindRouteMessageResult }
func (*Synchronize) kind() string        { return kindSynchronize }
func (*Envelopes) kind() string          { return kindEnvelopes }
func (*Disconnect) kind() string         { return kindDisconnect }

type frame struct {
	Kind string          `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

// ToBytes serializes cmd into a frame.
func ToBytes(cmd Command) ([]byte, error) {
	body, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(&frame{Kind: cmd.kind(), Body: body})
	if err != nil {
		return nil, err
	}
	if len(b) > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	return b, nil
}

// FromBytes deserializes a frame into a command.
func FromBytes(b []byte) (Command, error) {
	if len(b) > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	f := new(frame)
	if err := decMode.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}

	var cmd Command
	switch f.Kind {
	case kindGenerateToken:
		cmd = new(GenerateToken)
	case kindToken:
		cmd = new(Token)
	case kindAuthenticate:
		cmd = new(Authenticate)
	case kindAuthenticateResult:
		cmd = new(AuthenticateResult)
	case kindRouteMessage:
		cmd = new(RouteMessage)
	case kindRouteMessageResult:
		cmd = new(RouteMessageResult)
	case kindSynchronize:
		cmd = new(Synchronize)
	case kindEnvelopes:
		cmd = new(Envelopes)
	case kindDisconnect:
		cmd = new(Disconnect)
	default:
		return nil, fmt.Errorf("%w: unknown kind '%v'", errInvalidCommand, f.Kind)
	}
	if err := decMode.Unmarshal(f.Body, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", errInvalidCommand, f.Kind, err)
	}
	return cmd, nil
}

// EncodeOnion returns the transport encoding of an onion.
func EncodeOnion(onion []byte) string {
	return base64.StdEncoding.EncodeToString(onion)
}

// DecodeOnion reverses EncodeOnion.
func DecodeOnion(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: onion: %v", errInvalidCommand, err)
	}
	return b, nil
}

// IsInvalidCommand returns true iff err was caused by a malformed frame.
func IsInvalidCommand(err error) bool {
	return errors.Is(err, errInvalidCommand) || errors.Is(err, errFrameTooLarge)
}

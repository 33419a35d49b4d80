// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/veil/core/pki"
)

// PendingMessage is an outbound message.  SentAt and Onion are only set once
// the relay acknowledged the onion.
type PendingMessage struct {
	ID          uuid.UUID   `cbor:"id"`
	Destination pki.Address `cbor:"destination"`
	Payload     []byte      `cbor:"payload"`
	CreatedAt   time.Time   `cbor:"createdAt"`
	SentAt      time.Time   `cbor:"sentAt"`
	Onion       []byte      `cbor:"onion,omitempty"`
}

// Sent returns true iff the message was transmitted.
func (m *PendingMessage) Sent() bool {
	return !m.SentAt.IsZero()
}

// ParsedMessage is an inbound message with its outermost layer removed.
type ParsedMessage struct {
	// Origin is the address carried by the layer, that of the sender.
	Origin pki.Address `cbor:"origin"`

	// Content is the message body.
	Content []byte `cbor:"content"`

	// ReceivedAt is the relay's timestamp, or the local time of receipt.
	ReceivedAt time.Time `cbor:"receivedAt"`

	// ServerID is the relay's identifier for the envelope.
	ServerID string `cbor:"serverID,omitempty"`
}

// MessageSink persists inbound messages, matching them with known contacts.
type MessageSink interface {
	Deliver(msg *ParsedMessage) error
}

// Outbox persists outbound messages.
type Outbox interface {
	// PutPending stores an unsent message.
	PutPending(msg *PendingMessage) error

	// Unsent returns every message not yet sent, oldest first.
	Unsent() ([]*PendingMessage, error)

	// MarkSent records the transmission of a message.
	MarkSent(id uuid.UUID, onion []byte, sentAt time.Time) error
}

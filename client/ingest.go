// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/core/wire/commands"
	"github.com/veilmsg/veil/internal/instrument"
)

const (
	defaultReplayCapacity = 1 << 16
	replayFalsePositive   = 1e-6
)

// Opener removes the outermost layer of an onion addressed to the local
// user, returning the 32 byte address followed by the content.
type Opener interface {
	UnsealOnion(onion []byte) ([]byte, error)
}

// IngesterConfig is the Ingester configuration.
type IngesterConfig struct {
	Opener Opener

	// Sink receives every parsed message, and may be nil.
	Sink MessageSink

	// ReplayCapacity is the number of envelopes the replay filter is sized
	// for.
	ReplayCapacity int

	LogBackend *log.Backend
}

// Ingester turns envelopes received from the relay into messages.
type Ingester struct {
	log *logging.Logger

	opener Opener
	sink   MessageSink

	filterLock sync.Mutex
	filter     *bloom.Filter
}

// NewIngester returns an Ingester for the given configuration.
func NewIngester(cfg *IngesterConfig) (*Ingester, error) {
	if cfg.Opener == nil {
		return nil, errors.New("client/ingest: no Opener configured")
	}
	capacity := cfg.ReplayCapacity
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	filter, err := bloom.New(rand.Reader, bloom.DeriveSize(capacity, replayFalsePositive), replayFalsePositive)
	if err != nil {
		return nil, err
	}
	return &Ingester{
		log:    cfg.LogBackend.GetLogger("client/ingest"),
		opener: cfg.Opener,
		sink:   cfg.Sink,
		filter: filter,
	}, nil
}

// Ingest unseals every envelope one layer.  Envelopes that are malformed,
// not addressed to the local user, or already seen are dropped and the batch
// continues.  The parsed messages are handed to the sink and returned in
// batch order.
func (i *Ingester) Ingest(envelopes []commands.Envelope) []*ParsedMessage {
	var msgs []*ParsedMessage
	for idx := range envelopes {
		msg, result := i.ingestOne(&envelopes[idx])
		instrument.Ingest(result)
		if msg == nil {
			continue
		}
		if i.sink != nil {
			if err := i.sink.Deliver(msg); err != nil {
				i.log.Errorf("Failed to store message %v: %v", msg.ServerID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	if dropped := len(envelopes) - len(msgs); dropped > 0 {
		i.log.Debugf("Ingested %d envelopes, dropped %d.", len(envelopes), dropped)
	}
	return msgs
}

func (i *Ingester) seen(onion []byte, set bool) bool {
	i.filterLock.Lock()
	defer i.filterLock.Unlock()
	if set {
		return i.filter.TestAndSet(onion)
	}
	return i.filter.Test(onion)
}

func (i *Ingester) ingestOne(env *commands.Envelope) (*ParsedMessage, string) {
	onion, err := commands.DecodeOnion(env.Onion)
	if err != nil || len(onion) == 0 {
		i.log.Debugf("Dropping envelope %v: undecodable.", env.ID)
		return nil, "malformed"
	}

	if i.seen(onion, false) {
		i.log.Warningf("Dropping envelope %v: replay.", env.ID)
		return nil, "replay"
	}

	layer, err := i.opener.UnsealOnion(onion)
	if err != nil || len(layer) < pki.AddressSize {
		i.log.Debugf("Dropping envelope %v: not addressed to us.", env.ID)
		return nil, "dropped"
	}

	// Only onions that opened are remembered.
	if i.seen(onion, true) {
		i.log.Warningf("Dropping envelope %v: replay.", env.ID)
		return nil, "replay"
	}
	origin, _ := pki.AddressFromBytes(layer[:pki.AddressSize])

	receivedAt := time.Now()
	if env.Timestamp > 0 {
		receivedAt = time.Unix(env.Timestamp, 0)
	}
	return &ParsedMessage{
		Origin:     origin,
		Content:    layer[pki.AddressSize:],
		ReceivedAt: receivedAt,
		ServerID:   env.ID,
	}, "parsed"
}

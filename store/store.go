// store.go - BoltDB backed veil repository.
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

// Package store implements the veil repository with a simple boltdb based
// backend: the network topology, the selected guard, the computed paths,
// the contacts, and the outbound and inbound messages.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilmsg/veil/client"
	"github.com/veilmsg/veil/core/log"
	"github.com/veilmsg/veil/core/pki"
	"github.com/veilmsg/veil/route"
)

const (
	metadataBucket    = "metadata"
	verticesBucket    = "vertices"
	edgesBucket       = "edges"
	pathsBucket       = "paths"
	contactsBucket    = "contacts"
	outboxBucket      = "outbox"
	outboxIndexBucket = "outboxIndex"
	inboxBucket       = "inbox"

	versionKey      = "version"
	guardKey        = "guard"
	graphVersionKey = "graphVersion"

	schemaVersion = 0
)

var (
	// ErrNoSuchContact is the error returned when a contact is not known.
	ErrNoSuchContact = errors.New("store: no such contact")

	// ErrNoSuchMessage is the error returned when an outbound message is
	// not known.
	ErrNoSuchMessage = errors.New("store: no such message")

	bucketNames = []string{
		metadataBucket,
		verticesBucket,
		edgesBucket,
		pathsBucket,
		contactsBucket,
		outboxBucket,
		outboxIndexBucket,
		inboxBucket,
	}

	_ route.Repository   = (*Store)(nil)
	_ client.Store       = (*Store)(nil)
	_ client.MessageSink = (*Store)(nil)
)

// InboxMessage is a stored inbound message.
type InboxMessage struct {
	// Contact is the name of the contact the message originates from, and
	// is empty if the origin is not a known contact.
	Contact string `cbor:"contact,omitempty"`

	Message *client.ParsedMessage `cbor:"message"`
}

// Store is the persistent veil repository.
type Store struct {
	log *logging.Logger
	db  *bolt.DB
	enc cbor.EncMode
}

// New creates (or loads) a repository with the given file name f.
func New(f string, logBackend *log.Backend) (*Store, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}

	s := &Store{
		log: logBackend.GetLogger("store"),
		enc: enc,
	}
	s.db, err = bolt.Open(f, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		bkt := tx.Bucket([]byte(metadataBucket))
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	s.log.Debugf("Opened %v.", f)
	return s, nil
}

// Close closes the repository.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

func indexKey(i uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], i)
	return k[:]
}

func (s *Store) put(bkt *bolt.Bucket, k []byte, v interface{}) error {
	b, err := s.enc.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put(k, b)
}

func recreateBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	if tx.Bucket([]byte(name)) != nil {
		if err := tx.DeleteBucket([]byte(name)); err != nil {
			return nil, err
		}
	}
	return tx.CreateBucket([]byte(name))
}

// Topology implements route.Repository.
func (s *Store) Topology() (*pki.Topology, error) {
	t := new(pki.Topology)
	err := s.db.View(func(tx *bolt.Tx) error {
		t.Version = graphVersion(tx)

		if err := tx.Bucket([]byte(verticesBucket)).ForEach(func(_, v []byte) error {
			var vtx pki.Vertex
			if err := cbor.Unmarshal(v, &vtx); err != nil {
				return err
			}
			t.Vertices = append(t.Vertices, vtx)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(edgesBucket)).ForEach(func(_, v []byte) error {
			var e pki.Edge
			if err := cbor.Unmarshal(v, &e); err != nil {
				return err
			}
			t.Edges = append(t.Edges, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ReplaceTopology implements route.Repository.  The vertex and edge order of
// t is preserved.
func (s *Store) ReplaceTopology(t *pki.Topology) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vBkt, err := recreateBucket(tx, verticesBucket)
		if err != nil {
			return err
		}
		for i := range t.Vertices {
			if err = s.put(vBkt, indexKey(uint64(i)), &t.Vertices[i]); err != nil {
				return err
			}
		}

		eBkt, err := recreateBucket(tx, edgesBucket)
		if err != nil {
			return err
		}
		for i := range t.Edges {
			if err = s.put(eBkt, indexKey(uint64(i)), &t.Edges[i]); err != nil {
				return err
			}
		}

		return tx.Bucket([]byte(metadataBucket)).Put([]byte(graphVersionKey), indexKey(t.Version))
	})
}

func graphVersion(tx *bolt.Tx) uint64 {
	b := tx.Bucket([]byte(metadataBucket)).Get([]byte(graphVersionKey))
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// GraphVersion implements route.Repository.
func (s *Store) GraphVersion() (uint64, error) {
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v = graphVersion(tx)
		return nil
	})
	return v, err
}

// Guard implements route.Repository.
func (s *Store) Guard() (pki.Address, bool, error) {
	var (
		addr pki.Address
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metadataBucket)).Get([]byte(guardKey))
		if b == nil {
			return nil
		}
		var err error
		if addr, err = pki.AddressFromBytes(b); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return addr, ok, err
}

// SetGuard implements route.Repository.
func (s *Store) SetGuard(addr pki.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(guardKey), addr.Bytes())
	})
}

// ReplacePaths implements route.Repository.
func (s *Store) ReplacePaths(dest pki.Address, paths []*route.GraphPath) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pBkt := tx.Bucket([]byte(pathsBucket))
		if pBkt.Bucket(dest[:]) != nil {
			if err := pBkt.DeleteBucket(dest[:]); err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			return nil
		}

		dBkt, err := pBkt.CreateBucket(dest[:])
		if err != nil {
			return err
		}
		for i, p := range paths {
			if err = s.put(dBkt, indexKey(uint64(i)), p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Paths implements route.Repository.
func (s *Store) Paths(dest pki.Address) ([]*route.GraphPath, error) {
	var paths []*route.GraphPath
	err := s.db.View(func(tx *bolt.Tx) error {
		dBkt := tx.Bucket([]byte(pathsBucket)).Bucket(dest[:])
		if dBkt == nil {
			return nil
		}
		return dBkt.ForEach(func(_, v []byte) error {
			p := new(route.GraphPath)
			if err := cbor.Unmarshal(v, p); err != nil {
				return err
			}
			paths = append(paths, p)
			return nil
		})
	})
	return paths, err
}

// DeletePaths implements route.Repository.
func (s *Store) DeletePaths(dest pki.Address) error {
	return s.ReplacePaths(dest, nil)
}

// ClearPaths implements route.Repository.
func (s *Store) ClearPaths() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := recreateBucket(tx, pathsBucket)
		return err
	})
}

// PutContact adds or replaces a contact.
func (s *Store) PutContact(c *pki.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx.Bucket([]byte(contactsBucket)), c.Address[:], c)
	})
}

// Contact returns the contact with the given address.
func (s *Store) Contact(addr pki.Address) (*pki.Contact, error) {
	var c *pki.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = contact(tx, addr)
		return err
	})
	return c, err
}

func contact(tx *bolt.Tx, addr pki.Address) (*pki.Contact, error) {
	b := tx.Bucket([]byte(contactsBucket)).Get(addr[:])
	if b == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchContact, addr)
	}
	c := new(pki.Contact)
	if err := cbor.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Contacts returns every contact, ordered by address.
func (s *Store) Contacts() ([]*pki.Contact, error) {
	var contacts []*pki.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(contactsBucket)).ForEach(func(_, v []byte) error {
			c := new(pki.Contact)
			if err := cbor.Unmarshal(v, c); err != nil {
				return err
			}
			contacts = append(contacts, c)
			return nil
		})
	})
	return contacts, err
}

// DeleteContact removes a contact and the paths to it.
func (s *Store) DeleteContact(addr pki.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cBkt := tx.Bucket([]byte(contactsBucket))
		if cBkt.Get(addr[:]) == nil {
			return fmt.Errorf("%w: %v", ErrNoSuchContact, addr)
		}
		if err := cBkt.Delete(addr[:]); err != nil {
			return err
		}

		pBkt := tx.Bucket([]byte(pathsBucket))
		if pBkt.Bucket(addr[:]) != nil {
			return pBkt.DeleteBucket(addr[:])
		}
		return nil
	})
}

// PutPending implements client.Outbox.
func (s *Store) PutPending(msg *client.PendingMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		iBkt := tx.Bucket([]byte(outboxIndexBucket))
		if iBkt.Get(msg.ID[:]) != nil {
			return fmt.Errorf("store: duplicate message %v", msg.ID)
		}

		oBkt := tx.Bucket([]byte(outboxBucket))
		seq, err := oBkt.NextSequence()
		if err != nil {
			return err
		}
		k := indexKey(seq)
		if err = s.put(oBkt, k, msg); err != nil {
			return err
		}
		return iBkt.Put(msg.ID[:], k)
	})
}

// Unsent implements client.Outbox.
func (s *Store) Unsent() ([]*client.PendingMessage, error) {
	var msgs []*client.PendingMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).ForEach(func(_, v []byte) error {
			msg := new(client.PendingMessage)
			if err := cbor.Unmarshal(v, msg); err != nil {
				return err
			}
			if !msg.Sent() {
				msgs = append(msgs, msg)
			}
			return nil
		})
	})
	return msgs, err
}

// MarkSent implements client.Outbox.
func (s *Store) MarkSent(id uuid.UUID, onion []byte, sentAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		k := tx.Bucket([]byte(outboxIndexBucket)).Get(id[:])
		if k == nil {
			return fmt.Errorf("%w: %v", ErrNoSuchMessage, id)
		}

		oBkt := tx.Bucket([]byte(outboxBucket))
		msg := new(client.PendingMessage)
		if err := cbor.Unmarshal(oBkt.Get(k), msg); err != nil {
			return err
		}
		msg.Onion = onion
		msg.SentAt = sentAt
		return s.put(oBkt, k, msg)
	})
}

// PruneSent removes every sent message from the outbox, returning the
// number of messages removed.
func (s *Store) PruneSent() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		oBkt := tx.Bucket([]byte(outboxBucket))
		iBkt := tx.Bucket([]byte(outboxIndexBucket))

		var sent []*client.PendingMessage
		var keys [][]byte
		if err := oBkt.ForEach(func(k, v []byte) error {
			msg := new(client.PendingMessage)
			if err := cbor.Unmarshal(v, msg); err != nil {
				return err
			}
			if msg.Sent() {
				sent = append(sent, msg)
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for i, msg := range sent {
			if err := oBkt.Delete(keys[i]); err != nil {
				return err
			}
			if err := iBkt.Delete(msg.ID[:]); err != nil {
				return err
			}
		}
		n = len(sent)
		return nil
	})
	return n, err
}

// Deliver implements client.MessageSink.  Messages from unknown origins are
// kept, without a contact name.
func (s *Store) Deliver(msg *client.ParsedMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := &InboxMessage{Message: msg}
		c, err := contact(tx, msg.Origin)
		switch {
		case err == nil:
			rec.Contact = c.Name
		case errors.Is(err, ErrNoSuchContact):
			s.log.Debugf("Message %v from unknown origin %v.", msg.ServerID, msg.Origin)
		default:
			return err
		}

		bkt := tx.Bucket([]byte(inboxBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		return s.put(bkt, indexKey(seq), rec)
	})
}

// Inbox returns every received message, oldest first.
func (s *Store) Inbox() ([]*InboxMessage, error) {
	var msgs []*InboxMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(inboxBucket)).ForEach(func(_, v []byte) error {
			rec := new(InboxMessage)
			if err := cbor.Unmarshal(v, rec); err != nil {
				return err
			}
			msgs = append(msgs, rec)
			return nil
		})
	})
	return msgs, err
}

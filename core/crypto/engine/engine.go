// engine.go - Cryptographic engine interface.
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

// Package engine provides the cryptographic engine used to encrypt and peel
// onion layers and to sign authentication challenges.
package engine

import (
	"errors"
	"sync"

	"github.com/veilmsg/veil/core/pki"
)

var (
	// ErrNoSession is the error returned when a private key operation is
	// attempted before the matching session was initialized.
	ErrNoSession = errors.New("engine: session not initialized")

	// ErrDecrypt is the error returned when a ciphertext fails to decrypt.
	ErrDecrypt = errors.New("engine: decryption failed")

	// ErrInvalidKey is the error returned when a key fails to parse.
	ErrInvalidKey = errors.New("engine: invalid key")
)

// Engine is the capability interface over the native cryptographic
// primitives.  Keys cross the interface PEM encoded.
type Engine interface {
	// Encrypt encrypts plaintext to publicKey.
	Encrypt(publicKey string, plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the decryption session's key.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Sign signs data with the signature session's key.
	Sign(data []byte) ([]byte, error)

	// Verify returns true iff signature is publicKey's signature over data.
	Verify(publicKey string, data, signature []byte) bool

	// SealOnion wraps plaintext in one layer per key, innermost first.
	SealOnion(plaintext []byte, keys []string, addresses []pki.Address) ([]byte, error)

	// UnsealOnion peels one layer with the decryption session's key,
	// returning the layer's plaintext: the address followed by the inner
	// payload.
	UnsealOnion(onion []byte) ([]byte, error)

	// InitDecryptionSession loads the private key used by Decrypt and
	// UnsealOnion.  passphrase is only used for encrypted keys.
	InitDecryptionSession(privateKey string, passphrase []byte) error

	// InitSignatureSession loads the private key used by Sign.
	InitSignatureSession(privateKey string, passphrase []byte) error
}

// Keys exposes the public half of an Engine's sessions.
type Keys interface {
	// Address returns the local address, derived from the decryption
	// session.
	Address() (pki.Address, error)

	// PublicKey returns the PEM encoded decryption session public key.
	PublicKey() (string, error)

	// SignaturePublicKey returns the PEM encoded signature session public
	// key.
	SignaturePublicKey() (string, error)
}

// serialized is an Engine that queues the calls of each session role.
type serialized struct {
	e Engine

	decryptLock sync.Mutex
	signLock    sync.Mutex
}

// Serialized wraps e so that calls using the decryption session, and calls
// using the signature session, are each executed one at a time.  The
// returned Engine implements Keys, under the same locks, if e does.
func Serialized(e Engine) Engine {
	if s, ok := e.(*serialized); ok {
		return s
	}
	return &serialized{e: e}
}

func (s *serialized) Encrypt(publicKey string, plaintext []byte) ([]byte, error) {
	return s.e.Encrypt(publicKey, plaintext)
}

func (s *serialized) Decrypt(ciphertext []byte) ([]byte, error) {
	s.decryptLock.Lock()
	defer s.decryptLock.Unlock()
	return s.e.Decrypt(ciphertext)
}

func (s *serialized) Sign(data []byte) ([]byte, error) {
	s.signLock.Lock()
	defer s.signLock.Unlock()
	return s.e.Sign(data)
}

func (s *serialized) Verify(publicKey string, data, signature []byte) bool {
	return s.e.Verify(publicKey, data, signature)
}

func (s *serialized) SealOnion(plaintext []byte, keys []string, addresses []pki.Address) ([]byte, error) {
	return s.e.SealOnion(plaintext, keys, addresses)
}

func (s *serialized) UnsealOnion(onion []byte) ([]byte, error) {
	s.decryptLock.Lock()
	defer s.decryptLock.Unlock()
	return s.e.UnsealOnion(onion)
}

func (s *serialized) InitDecryptionSession(privateKey string, passphrase []byte) error {
	s.decryptLock.Lock()
	defer s.decryptLock.Unlock()
	return s.e.InitDecryptionSession(privateKey, passphrase)
}

func (s *serialized) InitSignatureSession(privateKey string, passphrase []byte) error {
	s.signLock.Lock()
	defer s.signLock.Unlock()
	return s.e.InitSignatureSession(privateKey, passphrase)
}

func (s *serialized) keys() (Keys, error) {
	k, ok := s.e.(Keys)
	if !ok {
		return nil, ErrNoSession
	}
	return k, nil
}

func (s *serialized) Address() (pki.Address, error) {
	k, err := s.keys()
	if err != nil {
		return pki.Address{}, err
	}
	s.decryptLock.Lock()
	defer s.decryptLock.Unlock()
	return k.Address()
}

func (s *serialized) PublicKey() (string, error) {
	k, err := s.keys()
	if err != nil {
		return "", err
	}
	s.decryptLock.Lock()
	defer s.decryptLock.Unlock()
	return k.PublicKey()
}

func (s *serialized) SignaturePublicKey() (string, error) {
	k, err := s.keys()
	if err != nil {
		return "", err
	}
	s.signLock.Lock()
	defer s.signLock.Unlock()
	return k.SignaturePublicKey()
}

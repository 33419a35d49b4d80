// hpqc.go - hpqc backed cryptographic engine.
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

package engine

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
	"golang.org/x/crypto/hkdf"

	"github.com/veilmsg/veil/core/onion"
	"github.com/veilmsg/veil/core/pki"
)

const (
	// DefaultKEMScheme is the KEM used to encrypt onion layers.
	DefaultKEMScheme = "x25519"

	// DefaultSignatureScheme is the scheme used to sign challenges.
	DefaultSignatureScheme = "Ed25519"

	kdfInfo = "veil-onion-layer-v0"
)

// HPQC is an Engine built on hpqc: a KEM establishes a fresh key per
// encryption, which keys ChaCha20-Poly1305 over the plaintext.
//
// HPQC is not safe for concurrent use of the same session, and the key
// accessors must not race with the session initializers; wrap it with
// Serialized.
type HPQC struct {
	kemScheme  kem.Scheme
	signScheme sign.Scheme
	codec      *onion.Codec

	decryptionKey kem.PrivateKey
	signatureKey  sign.PrivateKey
}

// New returns an HPQC engine for the named schemes, sealing onions with the
// given geometry.  A nil geo selects onion.DefaultGeometry.
func New(kemName, signName string, geo *onion.Geometry) (*HPQC, error) {
	e := &HPQC{
		kemScheme:  kemschemes.ByName(kemName),
		signScheme: signschemes.ByName(signName),
	}
	if e.kemScheme == nil {
		return nil, fmt.Errorf("engine: unknown KEM scheme: '%v'", kemName)
	}
	if e.signScheme == nil {
		return nil, fmt.Errorf("engine: unknown signature scheme: '%v'", signName)
	}

	var err error
	if e.codec, err = onion.New(e, geo); err != nil {
		return nil, err
	}
	return e, nil
}

// NewDefault returns an HPQC engine with the default schemes and geometry.
func NewDefault() (*HPQC, error) {
	return New(DefaultKEMScheme, DefaultSignatureScheme, nil)
}

// Encrypt implements Engine.
func (e *HPQC) Encrypt(publicKey string, plaintext []byte) ([]byte, error) {
	pk, err := kempem.FromPublicPEMString(publicKey, e.kemScheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	ct, ss, err := e.kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, err
	}

	aead, err := layerAEAD(ss, ct)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	var nonce [chacha20poly1305.NonceSize]byte
	out := make([]byte, 0, len(ct)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, ct...)
	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// Decrypt implements Engine.
func (e *HPQC) Decrypt(ciphertext []byte) ([]byte, error) {
	if e.decryptionKey == nil {
		return nil, ErrNoSession
	}
	ctLen := e.kemScheme.CiphertextSize()
	if len(ciphertext) < ctLen+chacha20poly1305.Overhead {
		return nil, ErrDecrypt
	}
	ct := ciphertext[:ctLen]
	ss, err := e.kemScheme.Decapsulate(e.decryptionKey, ct)
	if err != nil {
		return nil, ErrDecrypt
	}

	aead, err := layerAEAD(ss, ct)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext[ctLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Sign implements Engine.
func (e *HPQC) Sign(data []byte) ([]byte, error) {
	if e.signatureKey == nil {
		return nil, ErrNoSession
	}
	return e.signScheme.Sign(e.signatureKey, data, nil), nil
}

// Verify implements Engine.
func (e *HPQC) Verify(publicKey string, data, signature []byte) bool {
	pk, err := signpem.FromPublicPEMString(publicKey, e.signScheme)
	if err != nil {
		return false
	}
	return e.signScheme.Verify(pk, data, signature, nil)
}

// SealOnion implements Engine.
func (e *HPQC) SealOnion(plaintext []byte, keys []string, addresses []pki.Address) ([]byte, error) {
	return e.codec.Seal(plaintext, keys, addresses)
}

// UnsealOnion implements Engine.
func (e *HPQC) UnsealOnion(envelope []byte) ([]byte, error) {
	layer, ok := e.codec.Unseal(envelope)
	if !ok {
		return nil, ErrDecrypt
	}
	out := make([]byte, 0, pki.AddressSize+len(layer.Content))
	out = append(out, layer.Address[:]...)
	return append(out, layer.Content...), nil
}

// InitDecryptionSession implements Engine.
func (e *HPQC) InitDecryptionSession(privateKey string, passphrase []byte) error {
	raw, err := DecryptPrivateKey([]byte(privateKey), passphrase)
	if err != nil {
		return err
	}
	sk, err := kempem.FromPrivatePEMBytes(raw, e.kemScheme)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	e.decryptionKey = sk
	return nil
}

// InitSignatureSession implements Engine.
func (e *HPQC) InitSignatureSession(privateKey string, passphrase []byte) error {
	raw, err := DecryptPrivateKey([]byte(privateKey), passphrase)
	if err != nil {
		return err
	}
	sk, err := signpem.FromPrivatePEMBytes(raw, e.signScheme)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	e.signatureKey = sk
	return nil
}

// Address returns the address derived from the decryption session's public
// key.  It must not be called concurrently with InitDecryptionSession.
func (e *HPQC) Address() (pki.Address, error) {
	if e.decryptionKey == nil {
		return pki.Address{}, ErrNoSession
	}
	return publicKeyAddress(e.decryptionKey.Public())
}

// PublicKey returns the PEM encoded public key of the decryption session.
func (e *HPQC) PublicKey() (string, error) {
	if e.decryptionKey == nil {
		return "", ErrNoSession
	}
	return kempem.ToPublicPEMString(e.decryptionKey.Public()), nil
}

// SignaturePublicKey returns the PEM encoded public key of the signature
// session.
func (e *HPQC) SignaturePublicKey() (string, error) {
	if e.signatureKey == nil {
		return "", ErrNoSession
	}
	pk, ok := e.signatureKey.Public().(sign.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: unexpected signature public key type %T", ErrInvalidKey, e.signatureKey.Public())
	}
	return signpem.ToPublicPEMString(pk), nil
}

// AddressOf returns the address of the holder of the PEM encoded KEM public
// key.
func (e *HPQC) AddressOf(publicKey string) (pki.Address, error) {
	pk, err := kempem.FromPublicPEMString(publicKey, e.kemScheme)
	if err != nil {
		return pki.Address{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return publicKeyAddress(pk)
}

func publicKeyAddress(pk kem.PublicKey) (pki.Address, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return pki.Address{}, err
	}
	return pki.AddressOf(b), nil
}

func layerAEAD(ss, ct []byte) (*chacha20poly1305.ChaCha20Poly1305, error) {
	var key [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, ss, ct, []byte(kdfInfo)), key[:]); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key[:])
}

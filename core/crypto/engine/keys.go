// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/katzenpost/chacha20poly1305"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/rand"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	"golang.org/x/crypto/argon2"

	"github.com/veilmsg/veil/core/pki"
)

const (
	encryptedKeyType = "VEIL ENCRYPTED PRIVATE KEY"
	saltSize         = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrPassphrase is the error returned when an encrypted private key fails
// to decrypt, usually because of a wrong passphrase.
var ErrPassphrase = errors.New("engine: wrong passphrase or corrupted key")

// Identity is a freshly generated set of PEM encoded keys.
type Identity struct {
	// DecryptionKey and PublicKey are the KEM key pair.
	DecryptionKey string
	PublicKey     string

	// SignatureKey and SignaturePublicKey are the signature key pair.
	SignatureKey       string
	SignaturePublicKey string

	// Address is derived from PublicKey.
	Address pki.Address
}

// GenerateIdentity generates a new KEM and signature key pair.
func (e *HPQC) GenerateIdentity() (*Identity, error) {
	kemPub, kemPriv, err := e.kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := e.signScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	addr, err := publicKeyAddress(kemPub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		DecryptionKey:      kempem.ToPrivatePEMString(kemPriv),
		PublicKey:          kempem.ToPublicPEMString(kemPub),
		SignatureKey:       signpem.ToPrivatePEMString(signPriv),
		SignaturePublicKey: signpem.ToPublicPEMString(signPub),
		Address:            addr,
	}, nil
}

// EncryptPrivateKey wraps a PEM encoded private key in a PEM block
// encrypted under passphrase.  An empty passphrase returns the key as is.
func EncryptPrivateKey(privateKey, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return privateKey, nil
	}

	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	aead, err := passphraseAEAD(passphrase, salt[:])
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	// The key is unique per salt, so a fixed nonce is never reused.
	var nonce [chacha20poly1305.NonceSize]byte
	blob := aead.Seal(salt[:], nonce[:], privateKey, []byte(encryptedKeyType))
	return pem.EncodeToMemory(&pem.Block{
		Type:  encryptedKeyType,
		Bytes: blob,
	}), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey.  Keys that are not
// encrypted are returned unchanged.
func DecryptPrivateKey(data, passphrase []byte) ([]byte, error) {
	blk, _ := pem.Decode(data)
	if blk == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrInvalidKey)
	}
	if blk.Type != encryptedKeyType {
		return data, nil
	}
	if len(blk.Bytes) < saltSize+chacha20poly1305.Overhead {
		return nil, ErrPassphrase
	}

	aead, err := passphraseAEAD(passphrase, blk.Bytes[:saltSize])
	if err != nil {
		return nil, err
	}
	defer aead.Reset()

	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], blk.Bytes[saltSize:], []byte(encryptedKeyType))
	if err != nil {
		return nil, ErrPassphrase
	}
	return pt, nil
}

// WriteKeyFile writes a private key to f, encrypted if passphrase is not
// empty.
func WriteKeyFile(f string, privateKey string, passphrase []byte) error {
	b, err := EncryptPrivateKey([]byte(privateKey), passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(f, b, 0600)
}

// ReadKeyFile reads the PEM data of a key file as written by WriteKeyFile.
// The data is returned as is; the engine sessions decrypt it.
func ReadKeyFile(f string) (string, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsEncrypted returns true iff the PEM data is a passphrase protected key.
func IsEncrypted(data []byte) bool {
	blk, _ := pem.Decode(data)
	return blk != nil && blk.Type == encryptedKeyType
}

func passphraseAEAD(passphrase, salt []byte) (*chacha20poly1305.ChaCha20Poly1305, error) {
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	return chacha20poly1305.New(key)
}

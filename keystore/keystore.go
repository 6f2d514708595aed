// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keystore provides the authenticated-encryption persistence
// collaborator of the wallet: passphrase-protected save/load of small blobs,
// and the ownership oracle telling a wallet whether this device controls the
// private material behind one of its keys.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrCorruptBlob is returned when a stored blob is too short or does
	// not start with the expected header.
	ErrCorruptBlob = errors.New("corrupt keystore blob")

	// ErrAuthFailed is returned when a blob fails ciphertext
	// authentication, which covers both tampering and a wrong
	// passphrase.
	ErrAuthFailed = errors.New("blob authentication failed")

	// ErrNoMasterKey is returned when an operation requires the master
	// key but none is bound to the keystore.
	ErrNoMasterKey = errors.New("no master key bound")
)

const (
	// blobVersion is the on-disk format version of AEAD blobs.
	blobVersion = 1

	// saltLen is the length of the per-blob scrypt salt.
	saltLen = 16

	// headerLen is the total length of the authenticated blob header:
	// 4-byte magic, 1-byte version, salt and AEAD nonce.
	headerLen = 4 + 1 + saltLen + chacha20poly1305.NonceSize

	// blobFilePerm keeps stored blobs readable by the owner only.
	blobFilePerm = 0o600
)

// blobMagic identifies AEAD blobs written by this keystore.
var blobMagic = []byte("hwwa")

// ScryptOptions holds the scrypt parameters used when stretching the
// passphrase into an encryption key.
type ScryptOptions struct {
	N, R, P int
}

// DefaultScryptOptions is the default options used with scrypt.
var DefaultScryptOptions = ScryptOptions{
	N: 262144,
	R: 8,
	P: 1,
}

// FastScryptOptions are weakened scrypt options that should only be used for
// tests.
var FastScryptOptions = ScryptOptions{
	N: 16,
	R: 8,
	P: 1,
}

// Authority is the interface a wallet consumes: authenticated persistence
// plus the ownership oracle over key fingerprints.
type Authority interface {
	// SaveAEAD encrypts and authenticates the plaintext and writes it to
	// the given path.
	SaveAEAD(path string, plaintext []byte) error

	// LoadAEAD reads a blob from the given path, verifies its
	// authentication tag and returns the blob header and plaintext.
	LoadAEAD(path string) (header, plaintext []byte, err error)

	// Owns reports whether this keystore controls the private material
	// for a key with the given master fingerprint.
	Owns(masterFingerprint [4]byte) bool
}

// Keystore is a file-backed Authority. Blobs are encrypted with
// ChaCha20-Poly1305 under a key stretched from the passphrase with scrypt;
// the blob header is authenticated as associated data.
type Keystore struct {
	passphrase []byte
	opts       ScryptOptions

	master      *hdkeychain.ExtendedKey
	fingerprint [4]byte
}

// Compile time check: Keystore satisfies Authority.
var _ Authority = (*Keystore)(nil)

// New creates a keystore protected by the given passphrase. A nil opts uses
// DefaultScryptOptions.
func New(passphrase []byte, opts *ScryptOptions) *Keystore {
	o := DefaultScryptOptions
	if opts != nil {
		o = *opts
	}

	pass := make([]byte, len(passphrase))
	copy(pass, passphrase)

	return &Keystore{
		passphrase: pass,
		opts:       o,
	}
}

// BindMaster binds the device's master key to the keystore, enabling the
// Owns oracle and signing-capable wallets.
func (k *Keystore) BindMaster(master *hdkeychain.ExtendedKey) error {
	pubKey, err := master.ECPubKey()
	if err != nil {
		return fmt.Errorf("unable to read master pubkey: %w", err)
	}

	k.master = master
	copy(k.fingerprint[:],
		btcutil.Hash160(pubKey.SerializeCompressed())[:4])

	return nil
}

// Master returns the bound master key.
func (k *Keystore) Master() (*hdkeychain.ExtendedKey, error) {
	if k.master == nil {
		return nil, ErrNoMasterKey
	}

	return k.master, nil
}

// MasterFingerprint returns the 4-byte fingerprint of the bound master key.
func (k *Keystore) MasterFingerprint() ([4]byte, error) {
	if k.master == nil {
		return [4]byte{}, ErrNoMasterKey
	}

	return k.fingerprint, nil
}

// Owns reports whether the given master fingerprint belongs to the bound
// master key. Without a bound master nothing is owned.
func (k *Keystore) Owns(masterFingerprint [4]byte) bool {
	return k.master != nil && masterFingerprint == k.fingerprint
}

// SaveAEAD encrypts and authenticates the plaintext under the keystore
// passphrase and writes it to path, creating parent directories as needed.
func (k *Keystore) SaveAEAD(path string, plaintext []byte) error {
	header := make([]byte, headerLen)
	copy(header, blobMagic)
	header[4] = blobVersion

	salt := header[5 : 5+saltLen]
	nonce := header[5+saltLen:]
	_, err := rand.Read(header[5:])
	if err != nil {
		return err
	}

	aead, err := k.deriveAEAD(salt)
	if err != nil {
		return err
	}

	blob := aead.Seal(header, nonce, plaintext, header)

	err = os.MkdirAll(filepath.Dir(path), 0o700)
	if err != nil {
		return err
	}

	return os.WriteFile(path, blob, blobFilePerm)
}

// LoadAEAD reads a blob from path, verifies its authentication tag and
// returns the header and plaintext. Any mutation of the blob, or a wrong
// passphrase, yields ErrAuthFailed.
func (k *Keystore) LoadAEAD(path string) ([]byte, []byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	if len(blob) < headerLen+chacha20poly1305.Overhead {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrCorruptBlob,
			len(blob))
	}

	header := blob[:headerLen]
	if string(header[:4]) != string(blobMagic) ||
		header[4] != blobVersion {

		return nil, nil, fmt.Errorf("%w: bad header", ErrCorruptBlob)
	}

	salt := header[5 : 5+saltLen]
	nonce := header[5+saltLen:]

	aead, err := k.deriveAEAD(salt)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := aead.Open(nil, nonce, blob[headerLen:], header)
	if err != nil {
		return nil, nil, ErrAuthFailed
	}

	return header, plaintext, nil
}

// deriveAEAD stretches the passphrase with scrypt under the given salt and
// constructs the ChaCha20-Poly1305 AEAD.
func (k *Keystore) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(
		k.passphrase, salt, k.opts.N, k.opts.R, k.opts.P,
		chacha20poly1305.KeySize,
	)
	if err != nil {
		return nil, err
	}

	return chacha20poly1305.New(key)
}

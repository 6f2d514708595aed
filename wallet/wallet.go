// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the identity-reconciliation core of the signing
// device. A Wallet cross-checks attacker-controlled transaction data against
// its descriptor before any private key touches a signature: it decides, for
// every input and output of a partially signed transaction, whether the
// script belongs to this wallet, recovers the exact derivation coordinate
// that produced it, and uses that coordinate to populate signing material
// and advance the address-generation gap window.
package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hwwsuite/hwwallet/descriptor"
	"github.com/hwwsuite/hwwallet/keystore"
)

const (
	// descriptorBlob is the file name of the persisted descriptor.
	descriptorBlob = "descriptor"

	// metaBlob is the file name of the persisted wallet metadata.
	metaBlob = "meta"

	// defaultName is the display name of a wallet created without one.
	defaultName = "Untitled"
)

// Wallet aggregates a descriptor with the mutable bookkeeping that must stay
// consistent across sessions: the per-branch gap watermarks, the
// next-unused-receive-index cache and the display name. A keystore authority
// is bound only once the wallet has been persisted or loaded from storage.
type Wallet struct {
	name string
	path string

	desc *descriptor.Descriptor

	gapLimit   uint32
	gaps       GapState
	unusedRecv uint32

	// authority is nil until Save or Load binds one. Operations needing
	// persistence or the ownership oracle fail with ErrNoKeystoreBound
	// while unbound.
	authority keystore.Authority
}

// NewWallet constructs a fresh, unsaved wallet around a parsed descriptor.
// Every branch starts with the default gap window and no keystore is bound.
func NewWallet(desc *descriptor.Descriptor, name string) *Wallet {
	if name == "" {
		name = defaultName
	}

	return &Wallet{
		name:     name,
		desc:     desc,
		gapLimit: DefaultGapLimit,
		gaps: NewGapState(
			desc.NumBranches(), DefaultGapLimit,
		),
	}
}

// FromDescriptor constructs a wallet from a textual descriptor. The checksum
// suffix and whitespace are stripped before parsing.
func FromDescriptor(desc string) (*Wallet, error) {
	parsed, err := descriptor.Parse(desc)
	if err != nil {
		return nil, err
	}

	return NewWallet(parsed, ""), nil
}

// ParseWallet parses a wallet display string of the form
// "<name>&<descriptor>", splitting on the first ampersand. A bare descriptor
// yields the default name.
func ParseWallet(s string) (*Wallet, error) {
	name := ""
	desc := s
	if i := strings.Index(s, "&"); i >= 0 {
		name, desc = s[:i], s[i+1:]
	}

	w, err := FromDescriptor(desc)
	if err != nil {
		return nil, err
	}

	if name != "" {
		w.name = name
	}

	return w, nil
}

// String returns the wallet display string "<name>&<descriptor>".
func (w *Wallet) String() string {
	return fmt.Sprintf("%s&%s", w.name, w.desc.String())
}

// Name returns the wallet display name.
func (w *Wallet) Name() string {
	return w.name
}

// SetName updates the wallet display name. The change is not persisted until
// the next Save.
func (w *Wallet) SetName(name string) {
	w.name = name
}

// Descriptor returns the wallet's descriptor.
func (w *Wallet) Descriptor() *descriptor.Descriptor {
	return w.desc
}

// Fingerprint returns the wallet fingerprint: the first four bytes of
// hash160 over the serialized descriptor. It keys the proprietary PSBT field
// this wallet recognizes.
func (w *Wallet) Fingerprint() [4]byte {
	var fp [4]byte
	copy(fp[:], btcutil.Hash160([]byte(w.desc.String()))[:4])

	return fp
}

// GapLimit returns the wallet's gap limit.
func (w *Wallet) GapLimit() uint32 {
	return w.gapLimit
}

// Gaps returns a copy of the per-branch gap watermarks.
func (w *Wallet) Gaps() GapState {
	gaps := make(GapState, len(w.gaps))
	copy(gaps, w.gaps)

	return gaps
}

// UnusedRecv returns the lowest receive index guaranteed never yet observed
// as used.
func (w *Wallet) UnusedRecv() uint32 {
	return w.unusedRecv
}

// ScriptPubKey materializes the script-pubkey at the given coordinate,
// together with the branch's current gap watermark.
func (w *Wallet) ScriptPubKey(coord Coordinate) ([]byte, uint32, error) {
	derived, err := w.desc.Derive(coord.Branch, coord.Index)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}

	return derived.PkScript(), w.gaps[coord.Branch], nil
}

// Address encodes the script-pubkey at the given coordinate as an address
// for the given network, together with the branch's gap watermark.
func (w *Wallet) Address(coord Coordinate,
	params *chaincfg.Params) (btcutil.Address, uint32, error) {

	derived, err := w.desc.Derive(coord.Branch, coord.Index)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}

	addr, err := derived.Address(params)
	if err != nil {
		return nil, 0, err
	}

	return addr, w.gaps[coord.Branch], nil
}

// HasPrivateKeys reports whether any descriptor key carries private
// material.
func (w *Wallet) HasPrivateKeys() bool {
	for _, k := range w.desc.Keys() {
		if k.IsPrivate() {
			return true
		}
	}

	return false
}

// IsWatchOnly reports whether the wallet controls no key at all: no
// descriptor key is private and the bound keystore, if any, owns none of
// them.
func (w *Wallet) IsWatchOnly() bool {
	if w.HasPrivateKeys() {
		return false
	}

	if w.authority == nil {
		return true
	}

	for _, k := range w.desc.Keys() {
		if w.authority.Owns(k.Fingerprint()) {
			return false
		}
	}

	return true
}

// CheckNetwork reports whether every extended key of the descriptor belongs
// to the given network.
func (w *Wallet) CheckNetwork(params *chaincfg.Params) bool {
	for _, k := range w.desc.Keys() {
		if !k.IsExtended() {
			continue
		}

		if !k.ExtendedKey().IsForNet(params) {
			return false
		}
	}

	return true
}

// walletMeta is the JSON shape of the persisted metadata blob.
type walletMeta struct {
	Gaps       []uint32 `json:"gaps"`
	Name       string   `json:"name"`
	UnusedRecv uint32   `json:"unused_recv"`
}

// Save persists the wallet as two authenticated-encrypted blobs under the
// given directory and binds the authority to the wallet. An empty path
// reuses the wallet's current one.
func (w *Wallet) Save(authority keystore.Authority, path string) error {
	if authority == nil {
		return ErrNoKeystoreBound
	}

	if path != "" {
		w.path = strings.TrimRight(path, "/")
	}
	if w.path == "" {
		return ErrNoPath
	}

	// The wallet gains access to the keystore only by being saved or
	// loaded.
	w.authority = authority

	err := authority.SaveAEAD(
		filepath.Join(w.path, descriptorBlob),
		[]byte(w.desc.String()),
	)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(walletMeta{
		Gaps:       w.gaps,
		Name:       w.name,
		UnusedRecv: w.unusedRecv,
	})
	if err != nil {
		return err
	}

	err = authority.SaveAEAD(filepath.Join(w.path, metaBlob), meta)
	if err != nil {
		return err
	}

	log.Debugf("Saved wallet %q (fingerprint %x) to %s", w.name,
		w.Fingerprint(), w.path)

	return nil
}

// Load reconstructs a wallet from its persisted blobs and binds the
// authority immediately. Missing metadata fields keep their constructor
// defaults; undecodable state surfaces ErrCorruptState and no wallet object
// is constructed.
func Load(authority keystore.Authority, path string) (*Wallet, error) {
	if authority == nil {
		return nil, ErrNoKeystoreBound
	}

	path = strings.TrimRight(path, "/")

	_, desc, err := authority.LoadAEAD(filepath.Join(path, descriptorBlob))
	if err != nil {
		return nil, err
	}

	w, err := FromDescriptor(string(desc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	_, meta, err := authority.LoadAEAD(filepath.Join(path, metaBlob))
	if err != nil {
		return nil, err
	}

	err = w.applyMeta(meta)
	if err != nil {
		return nil, err
	}

	w.path = path
	w.authority = authority

	log.Debugf("Loaded wallet %q (fingerprint %x) from %s", w.name,
		w.Fingerprint(), path)

	return w, nil
}

// applyMeta folds a persisted metadata blob into the wallet, keeping
// constructor defaults for absent fields.
func (w *Wallet) applyMeta(meta []byte) error {
	var m struct {
		Gaps       []uint32 `json:"gaps"`
		Name       *string  `json:"name"`
		UnusedRecv *uint32  `json:"unused_recv"`
	}

	err := json.Unmarshal(meta, &m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	if m.Gaps != nil {
		if len(m.Gaps) != w.desc.NumBranches() {
			return fmt.Errorf("%w: %d gap watermarks for %d "+
				"branches", ErrCorruptState, len(m.Gaps),
				w.desc.NumBranches())
		}
		w.gaps = GapState(m.Gaps)
	}

	if m.Name != nil {
		w.name = *m.Name
	}

	if m.UnusedRecv != nil {
		w.unusedRecv = *m.UnusedRecv
	}

	return nil
}

// Path returns the wallet's storage directory, empty for unsaved wallets.
func (w *Wallet) Path() string {
	return w.path
}

// Authority returns the bound keystore authority, or ErrNoKeystoreBound for
// an unsaved wallet.
func (w *Wallet) Authority() (keystore.Authority, error) {
	if w.authority == nil {
		return nil, ErrNoKeystoreBound
	}

	return w.authority, nil
}

// Wipe irrecoverably purges the wallet's persisted state.
func (w *Wallet) Wipe() error {
	if w.path == "" {
		return ErrNoPath
	}

	log.Infof("Wiping wallet %q at %s", w.name, w.path)

	return os.RemoveAll(w.path)
}

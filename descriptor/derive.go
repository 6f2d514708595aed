// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// DerivedKey is a key entry materialized at a concrete coordinate.
type DerivedKey struct {
	// Source is the descriptor key entry this key was derived from.
	Source *Key

	// PubKey is the concrete public key at the coordinate.
	PubKey *btcec.PublicKey

	// PrivKey is the concrete private key at the coordinate, or nil for
	// public-only entries.
	PrivKey *btcec.PrivateKey
}

// Derived is a descriptor materialized at a concrete (branch, index)
// coordinate: the exact keys and scripts the wallet produces for it.
type Derived struct {
	// Keys holds the materialized key set in descriptor order.
	Keys []*DerivedKey

	pkScript      []byte
	witnessScript []byte
	redeemScript  []byte

	// signScript is the script the signature digest commits to: the
	// P2PKH script for single-key configurations, the witness script for
	// segwit multisig and the redeem script for legacy multisig.
	signScript []byte

	// segwit indicates that inputs spending this coordinate are signed
	// with the version-0 witness digest algorithm.
	segwit bool
}

// PkScript returns the script-pubkey of the coordinate.
func (d *Derived) PkScript() []byte {
	return d.pkScript
}

// WitnessScript returns the witness script of the coordinate, or nil when
// the configuration has none.
func (d *Derived) WitnessScript() []byte {
	return d.witnessScript
}

// RedeemScript returns the redeem script of the coordinate, or nil when the
// configuration has none.
func (d *Derived) RedeemScript() []byte {
	return d.redeemScript
}

// SignScript returns the script the signature digest of a spending input
// commits to.
func (d *Derived) SignScript() []byte {
	return d.signScript
}

// Segwit reports whether inputs spending this coordinate use the version-0
// witness digest algorithm.
func (d *Derived) Segwit() bool {
	return d.segwit
}

// Address encodes the coordinate's script-pubkey as an address for the given
// network.
func (d *Derived) Address(params *chaincfg.Params) (btcutil.Address, error) {
	pops, err := txscript.ParsePkScript(d.pkScript)
	if err != nil {
		return nil, err
	}

	return pops.Address(params)
}

// Derive materializes the descriptor at the given coordinate. The branch
// index must be inside [0, NumBranches) and the address index below the
// hardened boundary.
func (d *Descriptor) Derive(branch, index uint32) (*Derived, error) {
	err := d.checkCoordinate(branch, index)
	if err != nil {
		return nil, err
	}

	keys, err := d.deriveKeys(branch, index)
	if err != nil {
		return nil, err
	}

	derived := &Derived{Keys: keys}
	err = d.buildScripts(derived)
	if err != nil {
		return nil, err
	}

	return derived, nil
}

// deriveKeys materializes every key entry at the coordinate. Ranged keys are
// derived along their branch value and index; static keys pass through
// unchanged.
func (d *Descriptor) deriveKeys(branch, index uint32) ([]*DerivedKey, error) {
	keys := make([]*DerivedKey, 0, len(d.keys))
	for _, k := range d.keys {
		entry := k
		if k.allowed != nil {
			branchValue, err := k.allowed.BranchValue(branch)
			if err != nil {
				return nil, err
			}

			child, err := k.Derive([]uint32{branchValue, index})
			if err != nil {
				return nil, err
			}
			entry = child
		}

		pub, err := entry.PubKey()
		if err != nil {
			return nil, err
		}

		dk := &DerivedKey{
			Source: k,
			PubKey: pub,
		}
		if entry.IsPrivate() {
			dk.PrivKey, err = entry.ext.ECPrivKey()
			if err != nil {
				return nil, err
			}
		}

		keys = append(keys, dk)
	}

	return keys, nil
}

// buildScripts constructs the script-pubkey and, where the configuration
// calls for them, the witness and redeem scripts for the derived key set.
func (d *Descriptor) buildScripts(derived *Derived) error {
	switch d.policy {
	case SingleKey:
		return d.buildSingleKeyScripts(derived)

	case Multisig:
		return d.buildMultisigScripts(derived)

	default:
		return fmt.Errorf("%w: cannot build scripts", ErrMiniscript)
	}
}

// buildSingleKeyScripts constructs the scripts of a pkh/wpkh/sh(wpkh)
// coordinate.
func (d *Descriptor) buildSingleKeyScripts(derived *Derived) error {
	keyHash := btcutil.Hash160(derived.Keys[0].PubKey.SerializeCompressed())

	// The signature digest of a single-key spend always commits to the
	// canonical P2PKH script over the key hash, for legacy and BIP143
	// alike.
	p2pkh, err := payToPubKeyHashScript(keyHash)
	if err != nil {
		return err
	}
	derived.signScript = p2pkh

	switch d.wrap {
	case Legacy:
		derived.pkScript = p2pkh

	case NativeSegwit:
		derived.segwit = true

		derived.pkScript, err = witnessProgramScript(keyHash)
		if err != nil {
			return err
		}

	case WrappedSegwit:
		derived.segwit = true

		redeem, err := witnessProgramScript(keyHash)
		if err != nil {
			return err
		}
		derived.redeemScript = redeem

		derived.pkScript, err = payToScriptHashScript(redeem)
		if err != nil {
			return err
		}
	}

	return nil
}

// buildMultisigScripts constructs the scripts of a multi/sortedmulti
// coordinate under its wrap variant.
func (d *Descriptor) buildMultisigScripts(derived *Derived) error {
	ms, err := d.multisigScript(derived.Keys)
	if err != nil {
		return err
	}

	// The signature digest of a multisig spend commits to the
	// CHECKMULTISIG script itself.
	derived.signScript = ms

	switch d.wrap {
	case Legacy:
		derived.redeemScript = ms

		derived.pkScript, err = payToScriptHashScript(ms)
		if err != nil {
			return err
		}

	case NativeSegwit:
		derived.segwit = true
		derived.witnessScript = ms

		scriptHash := sha256.Sum256(ms)
		derived.pkScript, err = witnessProgramScript(scriptHash[:])
		if err != nil {
			return err
		}

	case WrappedSegwit:
		derived.segwit = true
		derived.witnessScript = ms

		scriptHash := sha256.Sum256(ms)
		redeem, err := witnessProgramScript(scriptHash[:])
		if err != nil {
			return err
		}
		derived.redeemScript = redeem

		derived.pkScript, err = payToScriptHashScript(redeem)
		if err != nil {
			return err
		}
	}

	return nil
}

// multisigScript builds the k-of-n CHECKMULTISIG script over the derived
// keys, sorting them lexicographically for sortedmulti expressions.
func (d *Descriptor) multisigScript(keys []*DerivedKey) ([]byte, error) {
	serialized := make([][]byte, 0, len(keys))
	for _, k := range keys {
		serialized = append(serialized, k.PubKey.SerializeCompressed())
	}

	if d.sorted {
		sort.Slice(serialized, func(i, j int) bool {
			return bytes.Compare(serialized[i], serialized[j]) < 0
		})
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(d.threshold))
	for _, pub := range serialized {
		builder.AddData(pub)
	}
	builder.AddInt64(int64(len(serialized)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// payToPubKeyHashScript builds the canonical P2PKH script-pubkey for a
// 20-byte key hash.
func payToPubKeyHashScript(keyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(keyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// payToScriptHashScript builds the P2SH script-pubkey committing to the
// given redeem script.
func payToScriptHashScript(redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeemScript)).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// witnessProgramScript builds the version-0 witness script-pubkey for a
// 20-byte key hash or 32-byte script hash program.
func witnessProgramScript(program []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(program).
		Script()
}

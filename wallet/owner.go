// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// GetDerivation scans a scope's claimed key→path hints and returns the first
// coordinate the descriptor admits. The hints are supplied by a co-signer or
// the transaction creator and are treated as untrusted: a returned
// coordinate is merely consistent with the descriptor, ownership is only
// proven once the reconstructed script-pubkey matches (see Match).
//
// A miss is a normal negative result, not an error: most scopes in a
// transaction legitimately belong to other parties.
func (w *Wallet) GetDerivation(
	derivations []*psbt.Bip32Derivation) (Coordinate, bool) {

	for _, d := range derivations {
		// A path shorter than two components cannot encode a
		// coordinate.
		if len(d.Bip32Path) < 2 {
			continue
		}

		branch, index, ok := w.desc.CheckDerivation(
			fingerprintFromLE(d.MasterKeyFingerprint), d.Bip32Path,
		)
		if ok {
			return Coordinate{Branch: branch, Index: index}, true
		}
	}

	return Coordinate{}, false
}

// Match decides whether a transaction scope belongs to this wallet and, if
// so, recovers the derivation coordinate that produced it. Four mandatory
// short-circuited checks:
//
//  1. the scope's script-pubkey structural type must equal the descriptor's
//     script type;
//  2. a carried witness/redeem script must have the descriptor's expected
//     serialized length;
//  3. at least one claimed derivation hint must pass the derivation policy;
//  4. the script-pubkey reconstructed at that coordinate must be byte-equal
//     to the scope's actual script-pubkey.
//
// Checks 1 and 2 are cheap discriminators that reject the overwhelming
// majority of foreign scopes; check 4 is the only step that proves
// ownership. Any failing check means not owned, there are no soft matches.
func (w *Wallet) Match(txOut *wire.TxOut,
	derivations []*psbt.Bip32Derivation, script []byte) (Coordinate, bool) {

	if txOut == nil {
		return Coordinate{}, false
	}

	if txscript.GetScriptClass(txOut.PkScript) != w.desc.PkScriptClass() {
		return Coordinate{}, false
	}

	if script != nil && len(script) != w.desc.ScriptLen() {
		return Coordinate{}, false
	}

	coord, ok := w.GetDerivation(derivations)
	if !ok {
		return Coordinate{}, false
	}

	derived, err := w.desc.Derive(coord.Branch, coord.Index)
	if err != nil {
		return Coordinate{}, false
	}

	if !bytes.Equal(derived.PkScript(), txOut.PkScript) {
		return Coordinate{}, false
	}

	return coord, true
}

// Owns reports whether a transaction scope belongs to this wallet. See Match
// for the checks performed.
func (w *Wallet) Owns(txOut *wire.TxOut,
	derivations []*psbt.Bip32Derivation, script []byte) bool {

	_, ok := w.Match(txOut, derivations, script)

	return ok
}

// fingerprintFromLE converts a PSBT master key fingerprint, serialized
// little-endian on the wire, back into its 4-byte form.
func fingerprintFromLE(fp uint32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], fp)

	return out
}

// fingerprintToLE converts a 4-byte fingerprint into the little-endian
// uint32 the PSBT package carries.
func fingerprintToLE(fp [4]byte) uint32 {
	return binary.LittleEndian.Uint32(fp[:])
}

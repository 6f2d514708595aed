// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/hwwsuite/hwwallet/descriptor"
)

// walletTagMagic is the fixed prefix of the proprietary PSBT field this
// wallet recognizes. The full key is the magic concatenated with the 4-byte
// wallet fingerprint; the value is a tightly packed little-endian sequence
// of 32-bit derivation steps.
var walletTagMagic = []byte{0xfc, 0xca, 0x01}

// UpdateGaps reconciles a transaction against the wallet's gap state. Every
// input (tested against its referenced previous output) and every output the
// ownership matcher accepts advances its branch watermark with a margin one
// past the gap limit: the observed index is known used, so scanning must
// look strictly beyond the window it anchors.
//
// knownIdxs optionally folds in per-branch last-used indices reported by an
// external chain scan; these advance with the plain gap limit margin. Order
// of application does not matter since Advance is monotone and idempotent.
//
// After any advance the next-unused-receive cache is recomputed from the
// branch-0 watermark.
func (w *Wallet) UpdateGaps(packet *psbt.Packet,
	knownIdxs []fn.Option[uint32]) {

	gaps := w.gaps

	if packet != nil {
		for i := range packet.Inputs {
			pin := &packet.Inputs[i]

			coord, ok := w.Match(
				inputUtxo(packet, i), pin.Bip32Derivation,
				scopeScript(pin.WitnessScript,
					pin.RedeemScript),
			)
			if !ok {
				continue
			}

			gaps = gaps.Advance(
				coord.Branch, coord.Index, w.gapLimit+1,
			)
		}

		for i, txOut := range packet.UnsignedTx.TxOut {
			pout := &packet.Outputs[i]

			coord, ok := w.Match(
				txOut, pout.Bip32Derivation,
				scopeScript(pout.WitnessScript,
					pout.RedeemScript),
			)
			if !ok {
				continue
			}

			gaps = gaps.Advance(
				coord.Branch, coord.Index, w.gapLimit+1,
			)
		}
	}

	for branch, opt := range knownIdxs {
		if branch >= len(gaps) {
			break
		}

		b := uint32(branch)
		opt.WhenSome(func(lastUsed uint32) {
			gaps = gaps.Advance(b, lastUsed, w.gapLimit)
		})
	}

	w.gaps = gaps

	// A branch-0 watermark below the gap limit can only come from an
	// externally written meta blob; the unused index never wraps below
	// zero.
	w.unusedRecv = 0
	if gaps[0] > w.gapLimit {
		w.unusedRecv = gaps[0] - w.gapLimit
	}

	log.Debugf("Gap state now %v, next unused receive index %d", gaps,
		w.unusedRecv)
}

// FillPsbt resolves wallet-tagged proprietary fields back into the full
// derivation data needed for signing. Some co-signers omit explicit per-key
// derivation hints and instead tag an input generically by wallet
// fingerprint, deferring path expansion to whichever wallet recognizes the
// tag.
//
// For every input tagged with this wallet's fingerprint, the packed
// derivation steps are decoded and, for each descriptor key whose master
// fingerprint equals the given signer fingerprint, a claimed derivation
// entry (signer fingerprint, key origin ++ steps) with the derived public
// key is inserted. The input's witness script (and redeem script, when the
// descriptor is script-hash wrapped) is set to the script materialized at
// the decoded coordinate.
//
// The signer fingerprint identifies the transaction signer and is distinct
// from the wallet fingerprint used for the tag lookup.
func (w *Wallet) FillPsbt(packet *psbt.Packet, signerFP [4]byte) error {
	fp := w.Fingerprint()
	tag := make([]byte, 0, len(walletTagMagic)+len(fp))
	tag = append(tag, walletTagMagic...)
	tag = append(tag, fp[:]...)

	for i := range packet.Inputs {
		pin := &packet.Inputs[i]

		payload, ok := findUnknown(pin.Unknowns, tag)
		if !ok {
			continue
		}

		steps, err := decodeWalletTag(payload)
		if err != nil {
			return err
		}

		err = w.fillInput(pin, signerFP, steps)
		if err != nil {
			return err
		}
	}

	return nil
}

// fillInput expands one wallet-tagged input: claimed derivation entries for
// every key the signer fingerprint selects, then the concrete signing
// scripts at the decoded coordinate.
func (w *Wallet) fillInput(pin *psbt.PInput, signerFP [4]byte,
	steps []uint32) error {

	for _, key := range w.desc.Keys() {
		if key.Fingerprint() != signerFP || !key.IsExtended() {
			continue
		}

		child, err := key.Derive(steps)
		if err != nil {
			return err
		}

		pub, err := child.PubKey()
		if err != nil {
			return err
		}

		// Filling is re-runnable: a key that already carries a
		// derivation entry must not gain a duplicate, or the packet
		// no longer serializes under the one-entry-per-key rule.
		if hasDerivation(pin, pub.SerializeCompressed()) {
			continue
		}

		path := append(key.Origin(), steps...)
		pin.Bip32Derivation = append(
			pin.Bip32Derivation, &psbt.Bip32Derivation{
				PubKey:               pub.SerializeCompressed(),
				MasterKeyFingerprint: fingerprintToLE(signerFP),
				Bip32Path:            path,
			},
		)
	}

	derived, err := w.desc.Derive(steps[0], steps[1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}

	pin.WitnessScript = derived.WitnessScript()

	// Script-hash wrapped configurations also need the redeem script for
	// an offline signer to reconstruct the spend.
	wrapped := w.desc.Wrap() == descriptor.WrappedSegwit ||
		(w.desc.Wrap() == descriptor.Legacy &&
			w.desc.Policy() == descriptor.Multisig)
	if wrapped {
		pin.RedeemScript = derived.RedeemScript()
	}

	return nil
}

// hasDerivation reports whether the input already carries a derivation entry
// for the given serialized public key.
func hasDerivation(pin *psbt.PInput, pubKey []byte) bool {
	for _, d := range pin.Bip32Derivation {
		if bytes.Equal(d.PubKey, pubKey) {
			return true
		}
	}

	return false
}

// decodeWalletTag unpacks the little-endian uint32 derivation steps of a
// wallet tag value. Exactly two steps, branch then index, are expected.
func decodeWalletTag(payload []byte) ([]uint32, error) {
	if len(payload) == 0 || len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadWalletTag,
			len(payload))
	}

	steps := make([]uint32, len(payload)/4)
	for i := range steps {
		steps[i] = binary.LittleEndian.Uint32(payload[4*i:])
	}

	if len(steps) != 2 {
		return nil, fmt.Errorf("%w: %d derivation steps",
			ErrBadWalletTag, len(steps))
	}

	return steps, nil
}

// findUnknown scans a scope's proprietary fields for an exact key match.
func findUnknown(unknowns []*psbt.Unknown, key []byte) ([]byte, bool) {
	for _, u := range unknowns {
		if bytes.Equal(u.Key, key) {
			return u.Value, true
		}
	}

	return nil, false
}

// scopeScript selects the script a scope carries for the length check:
// witness script first, redeem script as the fallback.
func scopeScript(witnessScript, redeemScript []byte) []byte {
	if witnessScript != nil {
		return witnessScript
	}

	return redeemScript
}

// inputUtxo resolves the previous output an input spends from the UTXO
// information carried by the packet, or nil when the packet has none.
func inputUtxo(packet *psbt.Packet, idx int) *wire.TxOut {
	pin := &packet.Inputs[idx]
	txIn := packet.UnsignedTx.TxIn[idx]

	if pin.NonWitnessUtxo != nil {
		prevIndex := txIn.PreviousOutPoint.Index
		if int(prevIndex) < len(pin.NonWitnessUtxo.TxOut) {
			return pin.NonWitnessUtxo.TxOut[prevIndex]
		}
	}

	if pin.WitnessUtxo != nil {
		return pin.WitnessUtxo
	}

	return nil
}

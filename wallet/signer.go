// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/hwwsuite/hwwallet/descriptor"
)

// SignPsbt produces signatures for every input the wallet can satisfy and
// attaches them to the packet as partial signatures. Inputs that resolve to
// no coordinate are silently skipped: they are not this wallet's concern.
// Multiple private keys may sign the same input (multisig). The indices of
// the inputs that received at least one signature are returned.
//
// A zero hash type defaults to committing to all outputs. Wallets holding no
// private key material leave the packet untouched.
func (w *Wallet) SignPsbt(packet *psbt.Packet,
	hashType txscript.SigHashType) ([]uint32, error) {

	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	if !w.HasPrivateKeys() {
		return nil, nil
	}

	fetcher := PrevOutputFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	var signed []uint32
	for i := range packet.Inputs {
		pin := &packet.Inputs[i]

		// The packet may not carry derivations for our keys at all,
		// so a miss here is an ordinary negative result.
		coord, ok := w.GetDerivation(pin.Bip32Derivation)
		if !ok {
			continue
		}

		derived, err := w.desc.Derive(coord.Branch, coord.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinate,
				err)
		}

		count, err := w.signInput(
			packet, i, derived, sigHashes, hashType,
		)
		if err != nil {
			return nil, err
		}

		if count > 0 {
			signed = append(signed, uint32(i))
		}
	}

	log.Debugf("Signed %d of %d inputs", len(signed), len(packet.Inputs))

	return signed, nil
}

// signInput signs one input with every private key the derived key set
// holds, skipping keys that already contributed a partial signature.
func (w *Wallet) signInput(packet *psbt.Packet, idx int,
	derived *descriptor.Derived, sigHashes *txscript.TxSigHashes,
	hashType txscript.SigHashType) (int, error) {

	pin := &packet.Inputs[idx]

	count := 0
	for _, dk := range derived.Keys {
		if dk.PrivKey == nil {
			continue
		}

		pub := dk.PubKey.SerializeCompressed()
		if hasPartialSig(pin, pub) {
			continue
		}

		var (
			sig []byte
			err error
		)
		if derived.Segwit() {
			utxo := inputUtxo(packet, idx)
			if utxo == nil {
				log.Warnf("Input %d has no UTXO information, "+
					"cannot compute witness digest", idx)

				return count, nil
			}

			sig, err = txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, sigHashes, idx, utxo.Value,
				derived.SignScript(), hashType, dk.PrivKey,
			)
		} else {
			sig, err = txscript.RawTxInSignature(
				packet.UnsignedTx, idx, derived.SignScript(),
				hashType, dk.PrivKey,
			)
		}
		if err != nil {
			return count, fmt.Errorf("unable to sign input %d: %w",
				idx, err)
		}

		pin.PartialSigs = append(pin.PartialSigs, &psbt.PartialSig{
			PubKey:    pub,
			Signature: sig,
		})
		count++
	}

	return count, nil
}

// hasPartialSig reports whether the input already carries a partial
// signature from the given serialized public key.
func hasPartialSig(pin *psbt.PInput, pubKey []byte) bool {
	for _, ps := range pin.PartialSigs {
		if bytes.Equal(ps.PubKey, pubKey) {
			return true
		}
	}

	return false
}

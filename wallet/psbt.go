// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrevOutputFetcher returns a txscript.PrevOutputFetcher built from the UTXO
// information in a PSBT packet. The fetcher covers every outpoint of the
// transaction: inputs belonging to other parties may carry no UTXO
// information at all, and those get an empty placeholder so that
// transaction-wide digest computation never trips on a missing previous
// output.
func PrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		prevOut := inputUtxo(packet, idx)
		if prevOut == nil {
			prevOut = &wire.TxOut{}
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}

	return fetcher
}

package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestSignPsbtWatchOnly verifies that a wallet with no private keys leaves
// all inputs' signature sets unchanged.
func TestSignPsbtWatchOnly(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x21)
	w := newTestWallet(t, f, false)

	packet := makePacket(t, 1)
	attachInputUtxo(t, packet, 0, w, f, 0, 2, 40_000)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Empty(t, signed)
	require.Empty(t, packet.Inputs[0].PartialSigs)
}

// TestSignPsbtSingleKey verifies that a signing wallet attaches exactly one
// valid partial signature to an owned segwit input and skips foreign ones.
func TestSignPsbtSingleKey(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x22)
	w := newTestWallet(t, f, true)

	// Input 0 is ours, input 1 carries no derivation hints at all.
	packet := makePacket(t, 2)
	attachInputUtxo(t, packet, 0, w, f, 0, 4, 40_000)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, signed)

	sigs := packet.Inputs[0].PartialSigs
	require.Len(t, sigs, 1)
	require.Empty(t, packet.Inputs[1].PartialSigs)

	// The signature must verify against the BIP143 digest of the input.
	derived, err := w.Descriptor().Derive(0, 4)
	require.NoError(t, err)
	require.Equal(t, derived.Keys[0].PubKey.SerializeCompressed(),
		sigs[0].PubKey)

	fetcher := PrevOutputFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(
		derived.SignScript(), sigHashes, txscript.SigHashAll,
		packet.UnsignedTx, 0, 40_000,
	)
	require.NoError(t, err)

	// Partial signatures carry the hash type as their final byte.
	require.Equal(
		t, byte(txscript.SigHashAll),
		sigs[0].Signature[len(sigs[0].Signature)-1],
	)
	sig, err := ecdsa.ParseDERSignature(
		sigs[0].Signature[:len(sigs[0].Signature)-1],
	)
	require.NoError(t, err)
	require.True(t, sig.Verify(digest, derived.Keys[0].PubKey))
}

// TestSignPsbtForeignInputNoUtxo verifies that inputs belonging to other
// parties, carrying neither UTXO information nor derivation hints, are
// skipped cleanly while the owned inputs still get signed.
func TestSignPsbtForeignInputNoUtxo(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x27)
	w := newTestWallet(t, f, true)

	// Inputs 0 and 2 are bare foreign inputs, input 1 is ours.
	packet := makePacket(t, 3)
	attachInputUtxo(t, packet, 1, w, f, 0, 3, 55_000)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, signed)
	require.Empty(t, packet.Inputs[0].PartialSigs)
	require.Len(t, packet.Inputs[1].PartialSigs, 1)
	require.Empty(t, packet.Inputs[2].PartialSigs)
}

// TestSignPsbtMultisig verifies that every private key the wallet holds
// contributes a signature to a multisig input.
func TestSignPsbtMultisig(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x23)
	g := newTestFixture(t, 0x24)

	w, err := FromDescriptor(
		"wsh(multi(2," + f.keyExpr(t, true) + "," +
			g.keyExpr(t, true) + "))",
	)
	require.NoError(t, err)

	packet := makePacket(t, 1)
	attachInputUtxo(t, packet, 0, w, f, 0, 0, 90_000)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, signed)
	require.Len(t, packet.Inputs[0].PartialSigs, 2)
}

// TestSignPsbtNoDuplicates verifies that signing twice does not stack a
// second signature for the same key.
func TestSignPsbtNoDuplicates(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x25)
	w := newTestWallet(t, f, true)

	packet := makePacket(t, 1)
	attachInputUtxo(t, packet, 0, w, f, 1, 1, 25_000)

	_, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Empty(t, signed)
	require.Len(t, packet.Inputs[0].PartialSigs, 1)
}

// TestSignPsbtLegacy verifies the legacy digest path of the dispatch.
func TestSignPsbtLegacy(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x26)
	w, err := FromDescriptor("pkh(" + f.keyExpr(t, true) + ")")
	require.NoError(t, err)

	packet := makePacket(t, 1)
	attachInputUtxo(t, packet, 0, w, f, 0, 9, 15_000)

	signed, err := w.SignPsbt(packet, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, signed)
	require.Len(t, packet.Inputs[0].PartialSigs, 1)
}

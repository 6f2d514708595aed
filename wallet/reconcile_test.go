package wallet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestUpdateGapsFromTransaction pins the gap arithmetic of reconciling a
// transaction: a fresh two-branch wallet seeing its own output at branch 0
// index 5 ends with watermarks [26, 20] and next unused receive index 6.
func TestUpdateGapsFromTransaction(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x11)
	w := newTestWallet(t, f, false)

	require.Equal(t, GapState{20, 20}, w.Gaps())
	require.Equal(t, uint32(0), w.UnusedRecv())

	// Transaction with one foreign input and our own output at (0, 5).
	packet := makePacket(t, 1, walletTxOut(t, w, 0, 5, 50_000))
	packet.Outputs[0].Bip32Derivation = []*psbt.Bip32Derivation{
		f.derivationHint(t, 0, 5),
	}

	w.UpdateGaps(packet, nil)

	require.Equal(t, GapState{26, 20}, w.Gaps())
	require.Equal(t, uint32(6), w.UnusedRecv())
}

// TestUpdateGapsFromInputs verifies that owned inputs, tested against their
// referenced previous outputs, advance the window too.
func TestUpdateGapsFromInputs(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x12)
	w := newTestWallet(t, f, false)

	packet := makePacket(t, 1)
	attachInputUtxo(t, packet, 0, w, f, 1, 8, 75_000)

	w.UpdateGaps(packet, nil)

	require.Equal(t, GapState{20, 29}, w.Gaps())
	require.Equal(t, uint32(0), w.UnusedRecv())
}

// TestUpdateGapsExternalHints pins the external-scan margin: branch 1
// last-used index 30 raises the branch-1 watermark to max(20, 30+20) = 50.
func TestUpdateGapsExternalHints(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x13)
	w := newTestWallet(t, f, false)

	w.UpdateGaps(nil, []fn.Option[uint32]{
		fn.None[uint32](),
		fn.Some(uint32(30)),
	})

	require.Equal(t, GapState{20, 50}, w.Gaps())
	require.Equal(t, uint32(0), w.UnusedRecv())
}

// TestUpdateGapsIdempotent verifies that reconciling the same transaction
// twice produces no further watermark change.
func TestUpdateGapsIdempotent(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x14)
	w := newTestWallet(t, f, false)

	packet := makePacket(t, 1, walletTxOut(t, w, 0, 25, 10_000))
	packet.Outputs[0].Bip32Derivation = []*psbt.Bip32Derivation{
		f.derivationHint(t, 0, 25),
	}

	w.UpdateGaps(packet, nil)
	after := w.Gaps()
	require.Equal(t, uint32(46), after.Watermark(0))

	w.UpdateGaps(packet, nil)
	require.Equal(t, after, w.Gaps())
}

// TestUpdateGapsIgnoresForeignScopes verifies that scopes belonging to other
// parties leave the window untouched.
func TestUpdateGapsIgnoresForeignScopes(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x15)
	other := newTestFixture(t, 0x16)
	w := newTestWallet(t, f, false)
	foreign := newTestWallet(t, other, false)

	packet := makePacket(t, 1, walletTxOut(t, foreign, 0, 40, 10_000))
	packet.Outputs[0].Bip32Derivation = []*psbt.Bip32Derivation{
		other.derivationHint(t, 0, 40),
	}

	w.UpdateGaps(packet, nil)

	require.Equal(t, GapState{20, 20}, w.Gaps())
}

// TestFillPsbt verifies wallet-tag resolution: an input tagged with this
// wallet's fingerprint and the packed steps [0, 7] gains a claimed
// derivation for the signer's key and the witness script of coordinate
// (0, 7).
func TestFillPsbt(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x17)
	g := newTestFixture(t, 0x18)

	w, err := FromDescriptor(
		"wsh(multi(2," + f.keyExpr(t, false) + "," +
			g.keyExpr(t, false) + "))",
	)
	require.NoError(t, err)

	packet := makePacket(t, 1)
	packet.Inputs[0].Unknowns = []*psbt.Unknown{{
		Key:   walletTag(w),
		Value: packSteps(0, 7),
	}}

	// The signer identifies itself as the f device.
	require.NoError(t, w.FillPsbt(packet, f.fingerprint))

	// Exactly the descriptor key with the signer's fingerprint gained a
	// hint.
	hints := packet.Inputs[0].Bip32Derivation
	require.Len(t, hints, 1)
	require.Equal(t, fingerprintToLE(f.fingerprint),
		hints[0].MasterKeyFingerprint)
	require.Equal(t, append(f.originSteps(), 0, 7), hints[0].Bip32Path)

	expectedHint := f.derivationHint(t, 0, 7)
	require.Equal(t, expectedHint.PubKey, hints[0].PubKey)

	// The witness script is the one materialized at (0, 7).
	derived, err := w.Descriptor().Derive(0, 7)
	require.NoError(t, err)
	require.Equal(t, derived.WitnessScript(),
		packet.Inputs[0].WitnessScript)
	require.Nil(t, packet.Inputs[0].RedeemScript)
}

// TestFillPsbtWrapped verifies that script-hash wrapped descriptors also
// receive the redeem script.
func TestFillPsbtWrapped(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x19)
	g := newTestFixture(t, 0x1a)

	w, err := FromDescriptor(
		"sh(wsh(multi(2," + f.keyExpr(t, false) + "," +
			g.keyExpr(t, false) + ")))",
	)
	require.NoError(t, err)

	packet := makePacket(t, 1)
	packet.Inputs[0].Unknowns = []*psbt.Unknown{{
		Key:   walletTag(w),
		Value: packSteps(1, 2),
	}}

	require.NoError(t, w.FillPsbt(packet, g.fingerprint))

	derived, err := w.Descriptor().Derive(1, 2)
	require.NoError(t, err)
	require.Equal(t, derived.WitnessScript(),
		packet.Inputs[0].WitnessScript)
	require.Equal(t, derived.RedeemScript(),
		packet.Inputs[0].RedeemScript)
}

// TestFillPsbtRepeatable verifies that resolving the same tag twice does
// not duplicate derivation entries, so a refilled packet still serializes
// under the one-entry-per-key rule.
func TestFillPsbtRepeatable(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x1d)
	w := newTestWallet(t, f, false)

	packet := makePacket(t, 1)
	packet.Inputs[0].Unknowns = []*psbt.Unknown{{
		Key:   walletTag(w),
		Value: packSteps(0, 4),
	}}

	require.NoError(t, w.FillPsbt(packet, f.fingerprint))
	require.NoError(t, w.FillPsbt(packet, f.fingerprint))
	require.Len(t, packet.Inputs[0].Bip32Derivation, 1)

	// The refilled packet must survive a wire round trip.
	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))
	_, err := psbt.NewFromRawBytes(bytes.NewReader(buf.Bytes()), false)
	require.NoError(t, err)
}

// TestFillPsbtIgnoresForeignTags verifies that tags keyed by another
// wallet's fingerprint are left alone.
func TestFillPsbtIgnoresForeignTags(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x1b)
	w := newTestWallet(t, f, false)

	foreignTag := append([]byte{0xfc, 0xca, 0x01}, 0xde, 0xad, 0xbe, 0xef)
	packet := makePacket(t, 1)
	packet.Inputs[0].Unknowns = []*psbt.Unknown{{
		Key:   foreignTag,
		Value: packSteps(0, 1),
	}}

	require.NoError(t, w.FillPsbt(packet, f.fingerprint))
	require.Empty(t, packet.Inputs[0].Bip32Derivation)
	require.Nil(t, packet.Inputs[0].WitnessScript)
}

// TestFillPsbtRejectsMalformedTag verifies that a tag payload that is not a
// packed pair of uint32 steps is rejected.
func TestFillPsbtRejectsMalformedTag(t *testing.T) {
	t.Parallel()

	f := newTestFixture(t, 0x1c)
	w := newTestWallet(t, f, false)

	for _, payload := range [][]byte{
		nil,
		{0x01, 0x02},
		packSteps(0, 1, 2),
	} {
		packet := makePacket(t, 1)
		packet.Inputs[0].Unknowns = []*psbt.Unknown{{
			Key:   walletTag(w),
			Value: payload,
		}}

		err := w.FillPsbt(packet, f.fingerprint)
		require.ErrorIs(t, err, ErrBadWalletTag)
	}
}

// walletTag builds the proprietary field key of a wallet.
func walletTag(w *Wallet) []byte {
	fp := w.Fingerprint()

	return append([]byte{0xfc, 0xca, 0x01}, fp[:]...)
}

// packSteps packs derivation steps as the little-endian uint32 sequence the
// wallet tag carries.
func packSteps(steps ...uint32) []byte {
	out := make([]byte, 4*len(steps))
	for i, s := range steps {
		binary.LittleEndian.PutUint32(out[4*i:], s)
	}

	return out
}

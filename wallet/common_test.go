package wallet

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testFixture bundles the deterministic key material the wallet tests run
// against: a master key, its fingerprint and an account-level key derived at
// the usual native segwit path.
type testFixture struct {
	master      *hdkeychain.ExtendedKey
	fingerprint [4]byte
	account     *hdkeychain.ExtendedKey
	originPath  string
}

const hardened = hdkeychain.HardenedKeyStart

// newTestFixture derives the fixture from a fixed seed so every expectation
// in the tests is computed rather than hardcoded.
func newTestFixture(t *testing.T, seedByte byte) *testFixture {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = seedByte
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	masterPub, err := master.ECPubKey()
	require.NoError(t, err)

	var fp [4]byte
	copy(fp[:], btcutil.Hash160(masterPub.SerializeCompressed())[:4])

	account := master
	for _, step := range []uint32{84 + hardened, hardened, hardened} {
		account, err = account.Derive(step)
		require.NoError(t, err)
	}

	return &testFixture{
		master:      master,
		fingerprint: fp,
		account:     account,
		originPath:  "84h/0h/0h",
	}
}

// originSteps returns the fixture's account origin path as derivation steps.
func (f *testFixture) originSteps() []uint32 {
	return []uint32{84 + hardened, hardened, hardened}
}

// keyExpr renders the fixture's account key as a descriptor key expression,
// public or private, with an explicit two-branch wildcard.
func (f *testFixture) keyExpr(t *testing.T, private bool) string {
	t.Helper()

	key := f.account
	if !private {
		var err error
		key, err = f.account.Neuter()
		require.NoError(t, err)
	}

	return fmt.Sprintf("[%x/%s]%s/{0,1}/*", f.fingerprint, f.originPath,
		key.String())
}

// newTestWallet constructs an unsaved wallet around a wpkh descriptor built
// from the fixture.
func newTestWallet(t *testing.T, f *testFixture, private bool) *Wallet {
	t.Helper()

	w, err := FromDescriptor(
		fmt.Sprintf("wpkh(%s)", f.keyExpr(t, private)),
	)
	require.NoError(t, err)

	return w
}

// derivationHint builds the BIP32 derivation hint a co-signer would attach
// for the fixture key at the given coordinate.
func (f *testFixture) derivationHint(t *testing.T, branch,
	index uint32) *psbt.Bip32Derivation {

	t.Helper()

	child := f.account
	var err error
	for _, step := range []uint32{branch, index} {
		child, err = child.Derive(step)
		require.NoError(t, err)
	}

	pub, err := child.ECPubKey()
	require.NoError(t, err)

	path := append(f.originSteps(), branch, index)

	return &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: fingerprintToLE(f.fingerprint),
		Bip32Path:            path,
	}
}

// walletTxOut materializes the wallet's script-pubkey at a coordinate as a
// transaction output.
func walletTxOut(t *testing.T, w *Wallet, branch, index uint32,
	value int64) *wire.TxOut {

	t.Helper()

	derived, err := w.Descriptor().Derive(branch, index)
	require.NoError(t, err)

	return wire.NewTxOut(value, derived.PkScript())
}

// makePacket builds a PSBT with the given number of inputs and the given
// outputs. Inputs reference synthetic outpoints; UTXO information is
// attached by the individual tests.
func makePacket(t *testing.T, numInputs int,
	outputs ...*wire.TxOut) *psbt.Packet {

	t.Helper()

	tx := wire.NewMsgTx(2)
	for i := 0; i < numInputs; i++ {
		prevHash := chainhash.HashH([]byte{byte(i)})
		tx.AddTxIn(wire.NewTxIn(
			wire.NewOutPoint(&prevHash, 0), nil, nil,
		))
	}
	for _, txOut := range outputs {
		tx.AddTxOut(txOut)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	return packet
}

// attachInputUtxo attaches witness UTXO information for an input spending
// the wallet at the given coordinate, along with its derivation hint.
func attachInputUtxo(t *testing.T, packet *psbt.Packet, idx int, w *Wallet,
	f *testFixture, branch, index uint32, value int64) {

	t.Helper()

	packet.Inputs[idx].WitnessUtxo = walletTxOut(t, w, branch, index, value)
	packet.Inputs[idx].Bip32Derivation = []*psbt.Bip32Derivation{
		f.derivationHint(t, branch, index),
	}
}

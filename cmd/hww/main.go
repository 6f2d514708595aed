// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// hww is a thin operator front end over the wallet core: it creates and
// loads encrypted wallet records and runs the PSBT reconcile/fill/sign
// workflow over transaction files.
package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"golang.org/x/term"

	"github.com/hwwsuite/hwwallet/keystore"
	"github.com/hwwsuite/hwwallet/wallet"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) < 1 {
		return fmt.Errorf("no command given")
	}

	shutdown, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	ks, err := openKeystore()
	if err != nil {
		return err
	}

	switch cmd := args[0]; cmd {
	case "create":
		return createWallet(cfg, ks, args[1:])

	case "address":
		return showAddress(cfg, ks)

	case "reconcile":
		return withPacket(args[1:], func(w *wallet.Wallet,
			packet *psbt.Packet) error {

			w.UpdateGaps(packet, nil)

			return w.Save(ks, "")
		}, cfg, ks)

	case "fill":
		signerFP, err := parseFingerprint(cfg.SignerFingerprint)
		if err != nil {
			return err
		}

		return withPacket(args[1:], func(w *wallet.Wallet,
			packet *psbt.Packet) error {

			err := w.FillPsbt(packet, signerFP)
			if err != nil {
				return err
			}

			return writePacket(args[1], packet)
		}, cfg, ks)

	case "sign":
		return withPacket(args[1:], func(w *wallet.Wallet,
			packet *psbt.Packet) error {

			signed, err := w.SignPsbt(packet, 0)
			if err != nil {
				return err
			}
			fmt.Printf("signed %d input(s)\n", len(signed))

			return writePacket(args[1], packet)
		}, cfg, ks)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openKeystore prompts for the device passphrase and constructs the file
// keystore around it.
func openKeystore() (*keystore.Keystore, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("unable to read passphrase: %w", err)
	}

	return keystore.New(passphrase, nil), nil
}

// createWallet parses a "name&descriptor" string and persists the new
// wallet record.
func createWallet(cfg *config, ks *keystore.Keystore, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("create needs a name&descriptor argument")
	}

	w, err := wallet.ParseWallet(args[0])
	if err != nil {
		return err
	}

	params, err := cfg.chainParams()
	if err != nil {
		return err
	}
	if !w.CheckNetwork(params) {
		return fmt.Errorf("descriptor keys do not belong to %s",
			cfg.Network)
	}

	err = w.Save(ks, cfg.WalletDir)
	if err != nil {
		return err
	}

	fmt.Printf("created wallet %q (%s)\n", w.Name(), w.Policy())

	return nil
}

// showAddress prints the next unused receive address of the wallet.
func showAddress(cfg *config, ks *keystore.Keystore) error {
	w, err := wallet.Load(ks, cfg.WalletDir)
	if err != nil {
		return err
	}

	params, err := cfg.chainParams()
	if err != nil {
		return err
	}

	addr, _, err := w.Address(
		wallet.Coordinate{Branch: 0, Index: w.UnusedRecv()}, params,
	)
	if err != nil {
		return err
	}

	fmt.Printf("%s (index %d)\n", addr.String(), w.UnusedRecv())

	return nil
}

// withPacket loads the wallet and a PSBT file and hands both to the given
// action.
func withPacket(args []string, action func(*wallet.Wallet,
	*psbt.Packet) error, cfg *config, ks *keystore.Keystore) error {

	if len(args) != 1 {
		return fmt.Errorf("command needs a psbt file argument")
	}

	w, err := wallet.Load(ks, cfg.WalletDir)
	if err != nil {
		return err
	}

	packet, err := readPacket(args[0])
	if err != nil {
		return err
	}

	return action(w, packet)
}

// readPacket reads a PSBT file, accepting both the binary and the base64
// encoding.
func readPacket(path string) (*psbt.Packet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err == nil {
		return packet, nil
	}

	return psbt.NewFromRawBytes(bytes.NewReader(raw), true)
}

// writePacket writes a PSBT back to its file in binary encoding.
func writePacket(path string, packet *psbt.Packet) error {
	var buf bytes.Buffer
	err := packet.Serialize(&buf)
	if err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// parseFingerprint decodes a hex master fingerprint.
func parseFingerprint(s string) ([4]byte, error) {
	var fp [4]byte

	if s == "" {
		return fp, fmt.Errorf("--signerfp is required for fill")
	}

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 4 {
		return fp, fmt.Errorf("bad fingerprint %q", s)
	}
	copy(fp[:], raw)

	return fp, nil
}

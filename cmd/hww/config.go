// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

// config holds the command line options of the hww tool.
type config struct {
	WalletDir string `long:"walletdir" description:"Directory holding the encrypted wallet record"`

	Network string `long:"network" description:"Bitcoin network of the wallet" choice:"mainnet" choice:"testnet" choice:"regtest" default:"mainnet"`

	LogFile string `long:"logfile" description:"File to write rotated logs to; logging to file is disabled when empty"`

	DebugLevel string `long:"debuglevel" description:"Logging level" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`

	SignerFingerprint string `long:"signerfp" description:"Hex fingerprint identifying the transaction signer for tag resolution"`
}

// loadConfig parses the command line into a config and the remaining
// positional arguments.
func loadConfig() (*config, []string, error) {
	cfg := &config{}

	parser := flags.NewParser(cfg, flags.Default)
	parser.Usage = "[options] <command> [args]\n\n" +
		"Commands:\n" +
		"  create <name&descriptor>   create and persist a wallet\n" +
		"  address                    show the next unused receive address\n" +
		"  reconcile <psbt>           advance gap windows from a transaction\n" +
		"  fill <psbt>                resolve wallet-tagged inputs\n" +
		"  sign <psbt>                sign a transaction"

	args, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	if cfg.WalletDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		cfg.WalletDir = filepath.Join(home, ".hww", "wallet")
	}

	return cfg, args, nil
}

// chainParams maps the configured network name onto its chain parameters.
func (c *config) chainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil

	case "testnet":
		return &chaincfg.TestNet3Params, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

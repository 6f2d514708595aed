// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/hwwsuite/hwwallet/descriptor"
)

// slip132Versions holds the SLIP-132 extended key version bytes for one
// script configuration on one network.
type slip132Versions struct {
	pub  [4]byte
	priv [4]byte
}

var (
	mainnetSlip132 = map[string]slip132Versions{
		"ypub": {[4]byte{0x04, 0x9d, 0x7c, 0xb2}, [4]byte{0x04, 0x9d, 0x78, 0x78}},
		"zpub": {[4]byte{0x04, 0xb2, 0x47, 0x46}, [4]byte{0x04, 0xb2, 0x43, 0x0c}},
		"Ypub": {[4]byte{0x02, 0x95, 0xb4, 0x3f}, [4]byte{0x02, 0x95, 0xb0, 0x05}},
		"Zpub": {[4]byte{0x02, 0xaa, 0x7e, 0xd3}, [4]byte{0x02, 0xaa, 0x7a, 0x99}},
	}

	testnetSlip132 = map[string]slip132Versions{
		"ypub": {[4]byte{0x04, 0x4a, 0x52, 0x62}, [4]byte{0x04, 0x4a, 0x4e, 0x28}},
		"zpub": {[4]byte{0x04, 0x5f, 0x1c, 0xf6}, [4]byte{0x04, 0x5f, 0x18, 0xbc}},
		"Ypub": {[4]byte{0x02, 0x42, 0x89, 0xef}, [4]byte{0x02, 0x42, 0x85, 0xb5}},
		"Zpub": {[4]byte{0x02, 0x57, 0x54, 0x83}, [4]byte{0x02, 0x57, 0x50, 0x48}},
	}
)

// KeyInfo describes one descriptor key for display: its canonical and
// SLIP-132 serializations and whether the bound keystore controls it.
type KeyInfo struct {
	// Key is the underlying descriptor key entry.
	Key *descriptor.Key

	// IsPrivate reports whether the entry carries private material.
	IsPrivate bool

	// Canonical is the serialization under the network's canonical
	// xpub/xprv version bytes.
	Canonical string

	// SLIP132 is the serialization under the script-type specific
	// SLIP-132 version bytes (ypub, zpub, Ypub, Zpub and their private
	// counterparts). Equal to Canonical for legacy configurations.
	SLIP132 string

	// Mine reports whether the bound keystore controls the private
	// material behind this key. Always false for unbound wallets.
	Mine bool
}

// KeyInfos describes every descriptor key for the given network.
func (w *Wallet) KeyInfos(params *chaincfg.Params) ([]KeyInfo, error) {
	slipName := w.slip132Name()

	infos := make([]KeyInfo, 0, len(w.desc.Keys()))
	for _, k := range w.desc.Keys() {
		info := KeyInfo{
			Key:       k,
			IsPrivate: k.IsPrivate(),
		}

		if w.authority != nil {
			info.Mine = w.authority.Owns(k.Fingerprint())
		}

		if !k.IsExtended() {
			pub, err := k.PubKey()
			if err != nil {
				return nil, err
			}
			info.Canonical = fmt.Sprintf(
				"%x", pub.SerializeCompressed(),
			)
			info.SLIP132 = info.Canonical
			infos = append(infos, info)

			continue
		}

		canonical, err := serializeWithVersion(
			k, versionBytes(params, k.IsPrivate()),
		)
		if err != nil {
			return nil, err
		}
		info.Canonical = canonical

		info.SLIP132 = canonical
		if slipName != "" {
			versions, ok := slip132Table(params)[slipName]
			if ok {
				version := versions.pub
				if k.IsPrivate() {
					version = versions.priv
				}

				info.SLIP132, err = serializeWithVersion(
					k, version,
				)
				if err != nil {
					return nil, err
				}
			}
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// slip132Name maps the descriptor configuration onto its SLIP-132 version
// name, or empty when the canonical serialization applies.
func (w *Wallet) slip132Name() string {
	switch w.desc.Policy() {
	case descriptor.SingleKey:
		switch w.desc.Wrap() {
		case descriptor.WrappedSegwit:
			return "ypub"

		case descriptor.NativeSegwit:
			return "zpub"
		}

	case descriptor.Multisig:
		switch w.desc.Wrap() {
		case descriptor.WrappedSegwit:
			return "Ypub"

		case descriptor.NativeSegwit:
			return "Zpub"
		}
	}

	return ""
}

// slip132Table selects the SLIP-132 version table for a network.
func slip132Table(params *chaincfg.Params) map[string]slip132Versions {
	if params.Net == chaincfg.MainNetParams.Net {
		return mainnetSlip132
	}

	return testnetSlip132
}

// versionBytes returns the network's canonical extended key version bytes.
func versionBytes(params *chaincfg.Params, private bool) [4]byte {
	if private {
		return params.HDPrivateKeyID
	}

	return params.HDPublicKeyID
}

// serializeWithVersion re-serializes an extended key under the given version
// bytes.
func serializeWithVersion(k *descriptor.Key, version [4]byte) (string, error) {
	clone, err := k.ExtendedKey().CloneWithVersion(version[:])
	if err != nil {
		return "", err
	}

	return clone.String(), nil
}

// Policy returns a short human readable description of the wallet's script
// policy, e.g. "Native Segwit, multisig 2 of 3".
func (w *Wallet) Policy() string {
	switch w.desc.Policy() {
	case descriptor.Multisig:
		return fmt.Sprintf("%s, multisig %d of %d",
			w.desc.Wrap(), w.desc.Threshold(),
			len(w.desc.Keys()))

	default:
		return fmt.Sprintf("%s, %s", w.desc.Wrap(), w.desc.Policy())
	}
}

// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

var (
	// ErrInvalidCoordinate is returned when a branch or address index is
	// outside the descriptor's declared ranges. No partial mutation is
	// performed when this error is returned.
	ErrInvalidCoordinate = errors.New("invalid derivation coordinate")

	// ErrNoKeystoreBound is returned when an operation requiring the
	// persistence or signing authority is invoked on a wallet that has
	// never been saved or loaded.
	ErrNoKeystoreBound = errors.New("no keystore bound to wallet")

	// ErrNoPath is returned when a persistence operation is invoked on a
	// wallet without a storage directory.
	ErrNoPath = errors.New("wallet path is not defined")

	// ErrCorruptState is returned when persisted wallet state cannot be
	// decoded on load. The wallet object is not constructed.
	ErrCorruptState = errors.New("corrupt persisted wallet state")

	// ErrBadWalletTag is returned when a wallet-tagged proprietary PSBT
	// field carries a malformed derivation payload.
	ErrBadWalletTag = errors.New("malformed wallet tag payload")
)

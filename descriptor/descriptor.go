// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements the output-script template engine of the
// wallet: parsing a textual descriptor into an ordered key set with a
// script-type classification, and materializing any (branch, index)
// coordinate into concrete spending scripts.
package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrBadDescriptor is returned when a descriptor string cannot be
	// parsed.
	ErrBadDescriptor = errors.New("invalid descriptor")

	// ErrMiniscript is returned for script expressions that are only
	// expressible as miniscript, which this engine does not evaluate.
	ErrMiniscript = errors.New("miniscript descriptors are not supported")

	// ErrInvalidCoordinate is returned when a branch or address index is
	// outside its legal range.
	ErrInvalidCoordinate = errors.New("invalid derivation coordinate")

	// ErrBranchMismatch is returned when the ranged keys of a descriptor
	// disagree on the set of branches they derive.
	ErrBranchMismatch = errors.New("keys derive different branch sets")
)

// Wrap is the closed set of script encumbrance variants a descriptor can
// declare.
type Wrap uint8

const (
	// Legacy is a pre-segwit script, spent via scriptSig only.
	Legacy Wrap = iota

	// NativeSegwit is a version-0 witness script.
	NativeSegwit

	// WrappedSegwit is a version-0 witness script nested in P2SH.
	WrappedSegwit
)

// String returns the human readable name of the wrap variant.
func (w Wrap) String() string {
	switch w {
	case Legacy:
		return "Legacy"

	case NativeSegwit:
		return "Native Segwit"

	case WrappedSegwit:
		return "Nested Segwit"

	default:
		return "unknown wrap"
	}
}

// Policy is the closed set of key-policy variants a descriptor can declare.
type Policy uint8

const (
	// SingleKey pays to the hash of a single public key.
	SingleKey Policy = iota

	// Multisig pays to a k-of-n CHECKMULTISIG script.
	Multisig

	// Miniscript covers every other script expression. Recognized for
	// classification, but not evaluated by this engine.
	Miniscript
)

// String returns the human readable name of the policy variant.
func (p Policy) String() string {
	switch p {
	case SingleKey:
		return "single key"

	case Multisig:
		return "multisig"

	case Miniscript:
		return "miniscript"

	default:
		return "unknown policy"
	}
}

// Descriptor is an immutable output-script template: a script-type
// classification over an ordered set of keys, able to materialize any
// (branch, index) coordinate into the exact scripts the wallet would have
// produced for it.
type Descriptor struct {
	wrap   Wrap
	policy Policy

	// threshold is the k of a k-of-n multisig, 1 for single key.
	threshold int

	// sorted indicates a sortedmulti expression, where derived public
	// keys are ordered lexicographically before script construction.
	sorted bool

	keys []*Key

	// branches is the admissible branch value set shared by all ranged
	// keys.
	branches *AllowedDerivation

	// raw is the normalized descriptor source: checksum suffix and
	// whitespace stripped. It is the preimage of the wallet fingerprint.
	raw string

	// scriptLen is the serialized length of the witness/redeem script a
	// transaction scope spending this template carries, or zero when no
	// such script is expected.
	scriptLen int
}

// Parse parses a textual descriptor. The checksum suffix and any whitespace
// are stripped first. When no key carries an explicit derivation suffix, the
// default two-level wildcard is applied to every extended key.
func Parse(s string) (*Descriptor, error) {
	raw := normalize(s)

	wrap, policy, sorted, inner, err := classify(raw)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		wrap:      wrap,
		policy:    policy,
		sorted:    sorted,
		threshold: 1,
		raw:       raw,
	}

	switch policy {
	case SingleKey:
		key, err := parseKey(inner)
		if err != nil {
			return nil, err
		}
		d.keys = []*Key{key}

	case Multisig:
		err := parseMultiArgs(inner, d)
		if err != nil {
			return nil, err
		}

	case Miniscript:
		return nil, fmt.Errorf("%w: %q", ErrMiniscript, raw)
	}

	err = applyDefaultDerivation(d)
	if err != nil {
		return nil, err
	}

	err = resolveBranches(d)
	if err != nil {
		return nil, err
	}

	err = measureScriptLen(d)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// normalize strips the checksum suffix and all whitespace from a descriptor
// string.
func normalize(s string) string {
	if i := strings.Index(s, "#"); i >= 0 {
		s = s[:i]
	}

	return strings.Join(strings.Fields(s), "")
}

// classify maps the outer script expression onto the closed (Wrap, Policy)
// classification and returns the innermost argument list.
func classify(s string) (Wrap, Policy, bool, string, error) {
	type form struct {
		prefix string
		wrap   Wrap
		policy Policy
		sorted bool
	}

	// Longer prefixes first so that sh(wsh(...)) wins over sh(...).
	forms := []form{
		{"sh(wsh(sortedmulti(", WrappedSegwit, Multisig, true},
		{"sh(wsh(multi(", WrappedSegwit, Multisig, false},
		{"sh(wpkh(", WrappedSegwit, SingleKey, false},
		{"sh(sortedmulti(", Legacy, Multisig, true},
		{"sh(multi(", Legacy, Multisig, false},
		{"wsh(sortedmulti(", NativeSegwit, Multisig, true},
		{"wsh(multi(", NativeSegwit, Multisig, false},
		{"wpkh(", NativeSegwit, SingleKey, false},
		{"pkh(", Legacy, SingleKey, false},
	}

	for _, f := range forms {
		if !strings.HasPrefix(s, f.prefix) {
			continue
		}

		depth := strings.Count(f.prefix, "(")
		closing := strings.Repeat(")", depth)
		if !strings.HasSuffix(s, closing) {
			return 0, 0, false, "", fmt.Errorf("%w: unbalanced %q",
				ErrBadDescriptor, s)
		}

		inner := s[len(f.prefix) : len(s)-depth]

		return f.wrap, f.policy, f.sorted, inner, nil
	}

	// Remaining wsh/sh/tr expressions are miniscript territory.
	switch {
	case strings.HasPrefix(s, "wsh("), strings.HasPrefix(s, "sh("),
		strings.HasPrefix(s, "tr("):

		return 0, Miniscript, false, "",
			fmt.Errorf("%w: %q", ErrMiniscript, s)
	}

	return 0, 0, false, "", fmt.Errorf("%w: unknown script expression %q",
		ErrBadDescriptor, s)
}

// parseMultiArgs parses the "k,key,key,..." argument list of a multi or
// sortedmulti expression into the descriptor.
func parseMultiArgs(inner string, d *Descriptor) error {
	args := splitArgs(inner)
	if len(args) < 2 {
		return fmt.Errorf("%w: multisig needs a threshold and at "+
			"least one key", ErrBadDescriptor)
	}

	threshold, err := strconv.Atoi(args[0])
	if err != nil || threshold < 1 || threshold > len(args)-1 {
		return fmt.Errorf("%w: bad multisig threshold %q",
			ErrBadDescriptor, args[0])
	}
	d.threshold = threshold

	d.keys = make([]*Key, 0, len(args)-1)
	for _, arg := range args[1:] {
		key, err := parseKey(arg)
		if err != nil {
			return err
		}
		d.keys = append(d.keys, key)
	}

	return nil
}

// splitArgs splits a comma separated argument list at top level, leaving
// commas inside {...} branch sets and [...] origins untouched.
func splitArgs(s string) []string {
	var (
		args  []string
		depth int
		start int
	)

	for i, r := range s {
		switch r {
		case '{', '[', '<':
			depth++

		case '}', ']', '>':
			depth--

		case ',':
			if depth == 0 {
				args = append(args, s[start:i])
				start = i + 1
			}
		}
	}

	return append(args, s[start:])
}

// applyDefaultDerivation installs the default two-level wildcard on every
// extended key when no key carries an explicit derivation suffix.
func applyDefaultDerivation(d *Descriptor) error {
	for _, k := range d.keys {
		if k.allowed != nil {
			return nil
		}
	}

	for _, k := range d.keys {
		if k.IsExtended() {
			k.allowed = DefaultAllowedDerivation()
		}
	}

	return nil
}

// resolveBranches determines the branch value set shared by the ranged keys
// of the descriptor. All ranged keys must agree on it.
func resolveBranches(d *Descriptor) error {
	for _, k := range d.keys {
		if k.allowed == nil {
			continue
		}

		if d.branches == nil {
			d.branches = k.allowed
			continue
		}

		if len(k.allowed.branches) != len(d.branches.branches) {
			return ErrBranchMismatch
		}
		for i, b := range k.allowed.branches {
			if d.branches.branches[i] != b {
				return ErrBranchMismatch
			}
		}
	}

	// A descriptor of static keys only still has one implicit branch so
	// that gap bookkeeping stays well formed.
	if d.branches == nil {
		d.branches = &AllowedDerivation{branches: []uint32{0}}
	}

	return nil
}

// measureScriptLen records the serialized witness/redeem script length a
// spending scope is expected to carry. The length is constant across
// coordinates for every supported configuration.
func measureScriptLen(d *Descriptor) error {
	derived, err := d.Derive(0, 0)
	if err != nil {
		return err
	}

	switch {
	case derived.witnessScript != nil:
		d.scriptLen = len(derived.witnessScript)

	case derived.redeemScript != nil:
		d.scriptLen = len(derived.redeemScript)
	}

	return nil
}

// String returns the normalized descriptor source.
func (d *Descriptor) String() string {
	return d.raw
}

// Wrap returns the script encumbrance variant of the descriptor.
func (d *Descriptor) Wrap() Wrap {
	return d.wrap
}

// Policy returns the key-policy variant of the descriptor.
func (d *Descriptor) Policy() Policy {
	return d.policy
}

// Threshold returns the k of a k-of-n multisig descriptor, or 1 for single
// key descriptors.
func (d *Descriptor) Threshold() int {
	return d.threshold
}

// Keys returns the ordered key set of the descriptor.
func (d *Descriptor) Keys() []*Key {
	return d.keys
}

// NumBranches returns the number of address branches the descriptor derives,
// conventionally two (receive and change).
func (d *Descriptor) NumBranches() int {
	return d.branches.NumBranches()
}

// ScriptLen returns the expected serialized length of the witness or redeem
// script a spending scope carries, or zero when none is expected.
func (d *Descriptor) ScriptLen() int {
	return d.scriptLen
}

// PkScriptClass returns the structural script-pubkey class every output of
// this descriptor exhibits.
func (d *Descriptor) PkScriptClass() txscript.ScriptClass {
	switch d.wrap {
	case Legacy:
		switch d.policy {
		case SingleKey:
			return txscript.PubKeyHashTy

		default:
			return txscript.ScriptHashTy
		}

	case NativeSegwit:
		switch d.policy {
		case SingleKey:
			return txscript.WitnessV0PubKeyHashTy

		default:
			return txscript.WitnessV0ScriptHashTy
		}

	case WrappedSegwit:
		return txscript.ScriptHashTy

	default:
		return txscript.NonStandardTy
	}
}

// CheckDerivation tests a claimed (fingerprint, path) hint against the
// descriptor. The path is accepted if at least one key admits it: matching
// master fingerprint, matching origin prefix and a two-component suffix
// admitted by the key's wildcard constraint. On success the recovered
// (branch, index) coordinate is returned.
func (d *Descriptor) CheckDerivation(fingerprint [4]byte,
	path []uint32) (uint32, uint32, bool) {

	for _, k := range d.keys {
		branch, index, ok := k.checkDerivation(fingerprint, path)
		if ok {
			return branch, index, true
		}
	}

	return 0, 0, false
}

// checkCoordinate validates a coordinate against the descriptor's declared
// ranges.
func (d *Descriptor) checkCoordinate(branch, index uint32) error {
	if int(branch) >= d.branches.NumBranches() {
		return fmt.Errorf("%w: branch index %d outside [0, %d)",
			ErrInvalidCoordinate, branch, d.branches.NumBranches())
	}

	if index >= hdkeychain.HardenedKeyStart {
		return fmt.Errorf("%w: address index %d beyond hardened "+
			"boundary", ErrInvalidCoordinate, index)
	}

	return nil
}

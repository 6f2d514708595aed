// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrBadKeyExpression is returned when a key expression inside a
	// descriptor cannot be parsed.
	ErrBadKeyExpression = errors.New("invalid key expression")

	// ErrBadOrigin is returned when the key-origin prefix of a key
	// expression is malformed.
	ErrBadOrigin = errors.New("invalid key origin")

	// ErrHardenedWildcard is returned when a derivation suffix requests
	// hardened child derivation, which an extended public key cannot
	// perform.
	ErrHardenedWildcard = errors.New(
		"hardened derivation not allowed in wildcard suffix",
	)

	// ErrStaticKey is returned when a further derivation is requested
	// from a key that is not an extended key.
	ErrStaticKey = errors.New("key is not derivable")
)

// AllowedDerivation is the wildcard constraint attached to a ranged key
// expression. It admits exactly two trailing derivation components: a branch
// component restricted to a small ordered set of values, followed by an
// unrestricted non-hardened index.
type AllowedDerivation struct {
	// branches is the ordered set of admissible branch values. The
	// position of a value in this slice is the branch index used by the
	// rest of the system.
	branches []uint32
}

// DefaultAllowedDerivation returns the unrestricted two-level wildcard
// applied to extended keys that carry no explicit derivation suffix:
// receive (0) and change (1) branches with a free index.
func DefaultAllowedDerivation() *AllowedDerivation {
	return &AllowedDerivation{branches: []uint32{0, 1}}
}

// NumBranches returns the number of admissible branch values.
func (a *AllowedDerivation) NumBranches() int {
	return len(a.branches)
}

// BranchValue maps a branch index to the concrete derivation component it
// stands for.
func (a *AllowedDerivation) BranchValue(branch uint32) (uint32, error) {
	if int(branch) >= len(a.branches) {
		return 0, fmt.Errorf("%w: branch index %d outside [0, %d)",
			ErrInvalidCoordinate, branch, len(a.branches))
	}

	return a.branches[branch], nil
}

// check maps a two-component derivation suffix onto a coordinate. The first
// component must be one of the admissible branch values and the second must
// stay below the hardened boundary.
func (a *AllowedDerivation) check(suffix []uint32) (uint32, uint32, bool) {
	if len(suffix) != 2 {
		return 0, 0, false
	}

	if suffix[1] >= hdkeychain.HardenedKeyStart {
		return 0, 0, false
	}

	for i, b := range a.branches {
		if b == suffix[0] {
			return uint32(i), suffix[1], true
		}
	}

	return 0, 0, false
}

// Key is one entry of a descriptor's ordered key set: a public (and
// optionally private) key together with its master fingerprint, the
// derivation steps already applied from the master to this entry, and an
// optional wildcard constraint for further derivation.
type Key struct {
	fingerprint [4]byte
	origin      []uint32

	// ext is set for extended (xpub/xprv) keys, pub for static
	// hex-encoded public keys. Exactly one of the two is non-nil.
	ext *hdkeychain.ExtendedKey
	pub *btcec.PublicKey

	allowed *AllowedDerivation
}

// Fingerprint returns the 4-byte master fingerprint of the key. For keys
// without an explicit origin this is the fingerprint of the key itself.
func (k *Key) Fingerprint() [4]byte {
	return k.fingerprint
}

// Origin returns a copy of the derivation steps already applied from the
// master key to this entry.
func (k *Key) Origin() []uint32 {
	origin := make([]uint32, len(k.origin))
	copy(origin, k.origin)

	return origin
}

// IsExtended reports whether the key is an extended key that supports child
// derivation.
func (k *Key) IsExtended() bool {
	return k.ext != nil
}

// IsPrivate reports whether the key carries private material.
func (k *Key) IsPrivate() bool {
	return k.ext != nil && k.ext.IsPrivate()
}

// Allowed returns the wildcard constraint of the key, or nil for static
// keys.
func (k *Key) Allowed() *AllowedDerivation {
	return k.allowed
}

// ExtendedKey returns the underlying extended key, or nil for static keys.
func (k *Key) ExtendedKey() *hdkeychain.ExtendedKey {
	return k.ext
}

// PubKey returns the public key of this entry without applying any further
// derivation.
func (k *Key) PubKey() (*btcec.PublicKey, error) {
	if k.pub != nil {
		return k.pub, nil
	}

	return k.ext.ECPubKey()
}

// Derive applies the given non-hardened derivation steps to the key and
// returns the resulting child key. Private material is preserved.
func (k *Key) Derive(steps []uint32) (*Key, error) {
	if k.ext == nil {
		return nil, ErrStaticKey
	}

	child := k.ext
	for _, step := range steps {
		var err error
		child, err = child.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("unable to derive step %d: %w",
				step, err)
		}
	}

	origin := make([]uint32, 0, len(k.origin)+len(steps))
	origin = append(origin, k.origin...)
	origin = append(origin, steps...)

	return &Key{
		fingerprint: k.fingerprint,
		origin:      origin,
		ext:         child,
	}, nil
}

// checkDerivation tests a claimed full derivation path against this key. The
// path must share the key's master fingerprint, start with the key's origin
// steps and end in exactly two components admitted by the key's wildcard
// constraint. On success the recovered (branch, index) coordinate is
// returned.
func (k *Key) checkDerivation(fingerprint [4]byte,
	path []uint32) (uint32, uint32, bool) {

	if k.allowed == nil {
		return 0, 0, false
	}

	if fingerprint != k.fingerprint {
		return 0, 0, false
	}

	if len(path) != len(k.origin)+2 {
		return 0, 0, false
	}

	for i, step := range k.origin {
		if path[i] != step {
			return 0, 0, false
		}
	}

	return k.allowed.check(path[len(k.origin):])
}

// parseKey parses a single key expression: an optional [fp/path...] origin
// prefix, an extended key or hex public key body, and an optional wildcard
// derivation suffix.
func parseKey(expr string) (*Key, error) {
	key := &Key{}

	// Split off the key-origin prefix, if any.
	body := expr
	if strings.HasPrefix(body, "[") {
		end := strings.Index(body, "]")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated origin in %q",
				ErrBadOrigin, expr)
		}

		err := parseOrigin(body[1:end], key)
		if err != nil {
			return nil, err
		}
		body = body[end+1:]
	}

	// Split off the wildcard suffix, if any. Everything after the first
	// slash of the body belongs to the suffix.
	suffix := ""
	if slash := strings.Index(body, "/"); slash >= 0 {
		suffix = body[slash+1:]
		body = body[:slash]
	}

	err := parseKeyBody(body, key)
	if err != nil {
		return nil, err
	}

	if suffix != "" {
		if key.ext == nil {
			return nil, fmt.Errorf("%w: suffix %q on static key",
				ErrBadKeyExpression, suffix)
		}

		key.allowed, err = parseSuffix(suffix)
		if err != nil {
			return nil, err
		}
	}

	// Keys without an explicit origin act as their own master.
	if key.origin == nil {
		fp, err := selfFingerprint(key)
		if err != nil {
			return nil, err
		}
		key.fingerprint = fp
		key.origin = []uint32{}
	}

	return key, nil
}

// parseOrigin parses the inside of a [fp/step/step'...] origin prefix into
// the key's fingerprint and origin steps.
func parseOrigin(origin string, key *Key) error {
	parts := strings.Split(origin, "/")
	fp, err := hex.DecodeString(strings.ToLower(parts[0]))
	if err != nil || len(fp) != 4 {
		return fmt.Errorf("%w: bad fingerprint %q", ErrBadOrigin,
			parts[0])
	}
	copy(key.fingerprint[:], fp)

	key.origin = make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		step, err := parseStep(part)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadOrigin, err)
		}
		key.origin = append(key.origin, step)
	}

	return nil
}

// parseKeyBody parses the key body as either an extended key or a compressed
// hex public key.
func parseKeyBody(body string, key *Key) error {
	ext, err := hdkeychain.NewKeyFromString(body)
	if err == nil {
		key.ext = ext
		return nil
	}

	raw, hexErr := hex.DecodeString(body)
	if hexErr != nil {
		return fmt.Errorf("%w: %q is neither an extended key (%v) "+
			"nor a hex public key", ErrBadKeyExpression, body, err)
	}

	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadKeyExpression, err)
	}
	key.pub = pub

	return nil
}

// parseSuffix parses a wildcard derivation suffix of the forms "0/*",
// "{0,1}/*" and "<0;1>/*".
func parseSuffix(suffix string) (*AllowedDerivation, error) {
	parts := strings.Split(suffix, "/")
	if len(parts) != 2 || parts[1] != "*" {
		return nil, fmt.Errorf("%w: unsupported derivation suffix %q",
			ErrBadKeyExpression, suffix)
	}

	branchExpr := parts[0]
	var values []string
	switch {
	case strings.HasPrefix(branchExpr, "{") &&
		strings.HasSuffix(branchExpr, "}"):

		values = strings.Split(branchExpr[1:len(branchExpr)-1], ",")

	case strings.HasPrefix(branchExpr, "<") &&
		strings.HasSuffix(branchExpr, ">"):

		values = strings.Split(branchExpr[1:len(branchExpr)-1], ";")

	default:
		values = []string{branchExpr}
	}

	branches := make([]uint32, 0, len(values))
	for _, v := range values {
		step, err := parseStep(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadKeyExpression,
				err)
		}
		if step >= hdkeychain.HardenedKeyStart {
			return nil, ErrHardenedWildcard
		}
		branches = append(branches, step)
	}

	return &AllowedDerivation{branches: branches}, nil
}

// parseStep parses a single derivation component, honoring the h, H and '
// hardened markers.
func parseStep(s string) (uint32, error) {
	hardened := false
	switch {
	case strings.HasSuffix(s, "h"), strings.HasSuffix(s, "H"),
		strings.HasSuffix(s, "'"):

		hardened = true
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("bad derivation component %q", s)
	}

	if hardened {
		n += hdkeychain.HardenedKeyStart
	}

	return uint32(n), nil
}

// selfFingerprint computes the fingerprint of the key itself, used when no
// origin prefix identifies a master.
func selfFingerprint(key *Key) ([4]byte, error) {
	var fp [4]byte

	pub, err := key.PubKey()
	if err != nil {
		return fp, err
	}

	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])

	return fp, nil
}

// Copyright (c) 2025 The hwwsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

// DefaultGapLimit is the number of not-yet-observed addresses ahead of the
// highest known-used index that remain eligible for generation and scanning.
const DefaultGapLimit uint32 = 20

// Coordinate is a recovered derivation coordinate: the branch the script
// lives on and its address index. Coordinates are only ever recovered from
// matching, never invented.
type Coordinate struct {
	// Branch is the branch index inside [0, NumBranches).
	Branch uint32

	// Index is the address index inside [0, 2^31).
	Index uint32
}

// GapState holds one watermark per branch. Indices below a branch's
// watermark have been issued or are presumed possibly-used; scanning and
// generation must continue up to at least that value. Watermarks only ever
// move forward.
//
// GapState is a pure value: Advance returns a new state and the caller
// threads it back into the wallet.
type GapState []uint32

// NewGapState returns the initial state for the given number of branches,
// with every watermark at the gap limit.
func NewGapState(numBranches int, gapLimit uint32) GapState {
	gaps := make(GapState, numBranches)
	for i := range gaps {
		gaps[i] = gapLimit
	}

	return gaps
}

// Watermark returns the current watermark of a branch.
func (g GapState) Watermark(branch uint32) uint32 {
	return g[branch]
}

// Advance raises the watermark of a branch to observed+margin, never
// lowering it. The returned state shares no storage with the receiver, so a
// failed caller can discard it without partial mutation. Advance is monotone
// and idempotent for a given observation.
func (g GapState) Advance(branch uint32, observed, margin uint32) GapState {
	next := make(GapState, len(g))
	copy(next, g)

	if target := observed + margin; target > next[branch] {
		next[branch] = target
	}

	return next
}

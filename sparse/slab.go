// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/gomlx/exceptions"
)

// slabState tracks the double-buffer protocol of one slot.
type slabState uint8

const (
	// slabEmpty: the slot has never been committed and may be committed to.
	slabEmpty slabState = iota
	// slabStaged: the slot holds published data that has not been released
	// by its consumer yet; committing over it is a protocol violation.
	slabStaged
	// slabConsumed: the slot's data has been fully consumed and the slot can
	// be committed to again.
	slabConsumed
)

// slab stages rows×cols slices of an operand on their way into the kernel,
// double-buffered: two slots alternate so that prefetching slice n+1 overlaps
// with the consumption of slice n.
//
// The protocol per K-step is: prefetch (fill the private staging area from
// global data), commit (publish staging into one of the two slots), read via
// data, then release. On a GPU the commit/read edge is a work-group barrier;
// here a work-group is a single goroutine, so the state machine only enforces
// ordering, not visibility. A slot is never overwritten before its previous
// occupant was released -- that is the correctness contract that makes the
// overlapped prefetch safe.
//
// prefetch does no bounds checking: the caller must never address past the
// operand (in particular, K must be a multiple of SlabDepth -- the
// dispatcher rejects shapes where it is not).
type slab struct {
	rows, cols int

	staging []float32
	pending bool // staging holds a prefetched, not yet committed slice

	slots [2][]float32
	state [2]slabState
}

func newSlab(rows, cols int) *slab {
	s := &slab{rows: rows, cols: cols}
	size := rows * cols
	s.staging = make([]float32, size)
	s.slots[0] = make([]float32, size)
	s.slots[1] = make([]float32, size)
	return s
}

// prefetch copies the rows×cols slice of src starting at flat offset base,
// with the given strides, into the staging area. Transposition is expressed
// purely through the strides: the caller swaps rowStride and colStride for a
// transposed operand.
func (s *slab) prefetch(src []float32, base, rowStride, colStride int) {
	if s.pending {
		exceptions.Panicf("slab.prefetch: previous prefetch was never committed")
	}
	for r := 0; r < s.rows; r++ {
		srcIdx := base + r*rowStride
		dstRow := s.staging[r*s.cols : (r+1)*s.cols]
		if colStride == 1 {
			copy(dstRow, src[srcIdx:srcIdx+s.cols])
			continue
		}
		for c := range dstRow {
			dstRow[c] = src[srcIdx]
			srcIdx += colStride
		}
	}
	s.pending = true
}

// commit publishes the prefetched staging data into the given slot
// (0 or 1). The slot must be empty or consumed: committing over staged data
// would overwrite a slice whose consumers have not finished.
func (s *slab) commit(slot int) {
	if !s.pending {
		exceptions.Panicf("slab.commit(%d): nothing was prefetched", slot)
	}
	if s.state[slot] == slabStaged {
		exceptions.Panicf("slab.commit(%d): slot still holds unconsumed data", slot)
	}
	copy(s.slots[slot], s.staging)
	s.state[slot] = slabStaged
	s.pending = false
}

// data returns the published contents of the given slot, row-major.
func (s *slab) data(slot int) []float32 {
	if s.state[slot] != slabStaged {
		exceptions.Panicf("slab.data(%d): slot holds no staged data", slot)
	}
	return s.slots[slot]
}

// release marks the slot's data as fully consumed, allowing the next commit.
func (s *slab) release(slot int) {
	if s.state[slot] != slabStaged {
		exceptions.Panicf("slab.release(%d): slot holds no staged data", slot)
	}
	s.state[slot] = slabConsumed
}

// reset returns both slots to empty and drops any pending prefetch.
func (s *slab) reset() {
	s.pending = false
	s.state[0] = slabEmpty
	s.state[1] = slabEmpty
}

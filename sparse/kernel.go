// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

// The GEMM kernel: one workGroup computes one 32×32 output tile by walking
// the reduction dimension in SlabDepth-wide steps, staging a 32×8 slice of A
// and an 8×32 slice of B per step through double-buffered slabs.
//
// The K traversal is described up front as a list of kStep origins -- for
// dense operands these advance linearly through K; for a sparse operand they
// jump from non-zero block to non-zero block. Building the list once per
// work-group keeps block decoding off the inner loop.

// kStep holds the flat origins of one SlabDepth-wide reduction step in the
// two operands.
type kStep struct {
	lhsBase, rhsBase int
}

// workGroup is the per-output-tile compute state: the two staging slabs, the
// accumulator covering all 1024 tile elements, and the reusable K-step list.
// workGroups are pooled by the Engine and reused across grid cells.
type workGroup struct {
	lhs *slab // 32 rows × 8 K
	rhs *slab // 8 K × 32 cols
	acc [TileSize]float32

	steps []kStep
}

func newWorkGroup() *workGroup {
	return &workGroup{
		lhs:   newSlab(TileDim, SlabDepth),
		rhs:   newSlab(SlabDepth, TileDim),
		steps: make([]kStep, 0, 64),
	}
}

// run executes the K loop over the prepared steps and leaves the result in
// wg.acc. lhs strides address a logical 32×K panel (rowStride moves along M,
// colStride along K); rhs strides address a logical K×32 panel. Transposed
// operands are handled by the caller passing swapped strides.
//
// The pipeline is primed with the first step's slabs; each iteration commits
// the currently prefetched slabs into the parity-selected slot, prefetches
// the next step's slabs (skipped on the final step), and only then consumes
// the just-committed slot. Accumulation order is ascending over steps with 8
// sequential float32 adds per step per element, which keeps results
// bit-reproducible for a fixed step list.
func (wg *workGroup) run(lhsData, rhsData []float32, lhsRowStride, lhsColStride, rhsRowStride, rhsColStride int) {
	clear(wg.acc[:])
	steps := wg.steps
	if len(steps) == 0 {
		return
	}
	wg.lhs.reset()
	wg.rhs.reset()
	wg.lhs.prefetch(lhsData, steps[0].lhsBase, lhsRowStride, lhsColStride)
	wg.rhs.prefetch(rhsData, steps[0].rhsBase, rhsRowStride, rhsColStride)
	for step := range steps {
		slot := step & 1
		wg.lhs.commit(slot)
		wg.rhs.commit(slot)
		if step+1 < len(steps) {
			wg.lhs.prefetch(lhsData, steps[step+1].lhsBase, lhsRowStride, lhsColStride)
			wg.rhs.prefetch(rhsData, steps[step+1].rhsBase, rhsRowStride, rhsColStride)
		}
		wg.accumulate(slot)
		wg.lhs.release(slot)
		wg.rhs.release(slot)
	}
}

// accumulate consumes one committed slot pair: every tile element picks up 8
// products, added sequentially into its running total.
func (wg *workGroup) accumulate(slot int) {
	lhsSlab := wg.lhs.data(slot) // [32][8], row-major
	rhsSlab := wg.rhs.data(slot) // [8][32], row-major
	for i := 0; i < TileDim; i++ {
		lhsRow := lhsSlab[i*SlabDepth : i*SlabDepth+SlabDepth]
		accRow := wg.acc[i*TileDim : (i+1)*TileDim]
		for j := 0; j < TileDim; j++ {
			sum := accRow[j]
			sum += lhsRow[0] * rhsSlab[j]
			sum += lhsRow[1] * rhsSlab[TileDim+j]
			sum += lhsRow[2] * rhsSlab[2*TileDim+j]
			sum += lhsRow[3] * rhsSlab[3*TileDim+j]
			sum += lhsRow[4] * rhsSlab[4*TileDim+j]
			sum += lhsRow[5] * rhsSlab[5*TileDim+j]
			sum += lhsRow[6] * rhsSlab[6*TileDim+j]
			sum += lhsRow[7] * rhsSlab[7*TileDim+j]
			accRow[j] = sum
		}
	}
}

// writeTile writes the accumulator to the output at base, a 32×32 tile with
// the given leading dimension (row stride). Every element of the tile is
// assigned exactly once.
func (wg *workGroup) writeTile(out []float32, base, ld int) {
	for i := 0; i < TileDim; i++ {
		copy(out[base+i*ld:base+i*ld+TileDim], wg.acc[i*TileDim:(i+1)*TileDim])
	}
}

// launch holds everything a grid cell needs to run: the flattened operands
// and output, the derived dimensions and strides, and the selected layout
// ordering. It is built once by the dispatcher and shared read-only by every
// work-group of the call.
type launch struct {
	mode           Mode
	transA, transB bool

	a, b, c []float32

	batches                int
	totalM, totalN, totalK int
	totalBlocks            int
	aBatch, bBatch, cBatch int // batch strides
	aRow, aCol             int // logical (M, K) strides of dense A
	bRow, bCol             int // logical (K, N) strides of dense B
	indexed                *Ordering
}

// cellSDD computes output block `block` of `batch`: the standard dense
// product of A's 32-row band and B's 32-column band named by the block's
// coordinates, written to the block's slot in the sparse output.
func (l *launch) cellSDD(wg *workGroup, block, batch int) {
	coord := l.indexed.Get(block)
	lhsBase := batch*l.aBatch + coord.Row*TileDim*l.aRow
	rhsBase := batch*l.bBatch + coord.Col*TileDim*l.bCol
	wg.steps = wg.steps[:0]
	for k := 0; k < l.totalK; k += SlabDepth {
		wg.steps = append(wg.steps, kStep{
			lhsBase: lhsBase + k*l.aCol,
			rhsBase: rhsBase + k*l.bRow,
		})
	}
	wg.run(l.a, l.b, l.aRow, l.aCol, l.bRow, l.bCol)
	wg.writeTile(l.c, (batch*l.totalBlocks+coord.Idx)*TileSize, TileDim)
}

// cellDSD computes dense output tile (mi, ni) of `batch` from sparse A:
// only the non-zero blocks of A's tile row mi (tile column mi when
// transposed) contribute, each spanning 32 reduction values.
func (l *launch) cellDSD(wg *workGroup, batch, mi, ni int) {
	// Within-tile strides of A's 32×32 blocks; transposition swaps them.
	lhsRow, lhsCol := TileDim, 1
	if l.transA {
		lhsRow, lhsCol = 1, TileDim
	}
	rhsBase := batch*l.bBatch + ni*TileDim*l.bCol
	start, end := l.indexed.Span(mi)
	wg.steps = wg.steps[:0]
	for p := start; p < end; p++ {
		coord := l.indexed.Get(p)
		kTile := coord.Col
		if l.transA {
			kTile = coord.Row
		}
		tileBase := (batch*l.totalBlocks + coord.Idx) * TileSize
		for sub := 0; sub < TileDim; sub += SlabDepth {
			wg.steps = append(wg.steps, kStep{
				lhsBase: tileBase + sub*lhsCol,
				rhsBase: rhsBase + (kTile*TileDim+sub)*l.bRow,
			})
		}
	}
	wg.run(l.a, l.b, lhsRow, lhsCol, l.bRow, l.bCol)
	wg.writeTile(l.c, batch*l.cBatch+mi*TileDim*l.totalN+ni*TileDim, l.totalN)
}

// cellDDS computes dense output tile (mi, ni) of `batch` from sparse B:
// only the non-zero blocks of B's tile column ni (tile row ni when
// transposed) contribute.
func (l *launch) cellDDS(wg *workGroup, batch, mi, ni int) {
	rhsRow, rhsCol := TileDim, 1
	if l.transB {
		rhsRow, rhsCol = 1, TileDim
	}
	lhsBase := batch*l.aBatch + mi*TileDim*l.aRow
	start, end := l.indexed.Span(ni)
	wg.steps = wg.steps[:0]
	for p := start; p < end; p++ {
		coord := l.indexed.Get(p)
		kTile := coord.Row
		if l.transB {
			kTile = coord.Col
		}
		tileBase := (batch*l.totalBlocks + coord.Idx) * TileSize
		for sub := 0; sub < TileDim; sub += SlabDepth {
			wg.steps = append(wg.steps, kStep{
				lhsBase: lhsBase + (kTile*TileDim+sub)*l.aCol,
				rhsBase: tileBase + sub*rhsRow,
			})
		}
	}
	wg.run(l.a, l.b, l.aRow, l.aCol, rhsRow, rhsCol)
	wg.writeTile(l.c, batch*l.cBatch+mi*TileDim*l.totalN+ni*TileDim, l.totalN)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/gomlx/blocksparse/pkg/core/shapes"
	"github.com/gomlx/blocksparse/pkg/support/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MatMul computes the batched block-sparse product of a and b on the shared
// default Engine. See Engine.MatMul.
func MatMul(a, b *Buffer, mode Mode, layout *Layout, transA, transB bool) (*Buffer, error) {
	return Default().MatMul(a, b, mode, layout, transA, transB)
}

// MatMul computes the batched block-sparse product of a and b.
//
// The sparse operand (or the output, for ModeSDD) is constrained to layout's
// non-zero 32×32 tiles; sparse operands are passed as ... × blocks × 32 × 32
// buffers in the layout's row-major block order. transA and transB transpose
// the trailing matrix dimensions of the respective operand.
//
// Leading batch dimensions of the operands are flattened for compute and
// restored on the result; both operands must agree on the flattened batch
// size. The output is freshly taken from the engine's buffer pool and fully
// written; return it with ReleaseBuffer when done to allow reuse.
//
// All shape, dtype and layout validation happens before anything is
// launched: on error no partial output exists.
func (e *Engine) MatMul(a, b *Buffer, mode Mode, layout *Layout, transA, transB bool) (*Buffer, error) {
	if !mode.IsAMode() {
		return nil, errors.Errorf("unrecognized multiplication mode Mode(%d)", uint8(mode))
	}
	if layout == nil || layout.NumBlocks() == 0 {
		return nil, errors.Errorf("%s multiplication requires a layout with at least one non-zero block", mode)
	}
	for _, operand := range []*Buffer{a, b} {
		if operand == nil || !operand.valid {
			return nil, errors.Errorf("%s multiplication got a nil or released operand buffer", mode)
		}
		if operand.shape.DType != dtypes.Float32 {
			return nil, errors.Errorf("unsupported dtype %s: the kernel only supports %s",
				operand.shape.DType, dtypes.Float32)
		}
	}

	l := launch{
		mode:        mode,
		transA:      transA,
		transB:      transB,
		a:           a.flatF32(),
		b:           b.flatF32(),
		indexed:     layout.ordering(mode, transA, transB),
		totalBlocks: layout.NumBlocks(),
	}

	var leading []int
	var outMerged shapes.Shape
	var err error
	switch mode {
	case ModeSDD:
		leading, outMerged, err = l.prepareSDD(a.shape, b.shape, layout)
	case ModeDSD:
		leading, outMerged, err = l.prepareDSD(a.shape, b.shape, layout)
	case ModeDDS:
		leading, outMerged, err = l.prepareDDS(a.shape, b.shape, layout)
	}
	if err != nil {
		return nil, err
	}
	if l.totalK%SlabDepth != 0 {
		// The K loop has no masked final step: shapes that don't fill it are
		// rejected rather than read out of bounds.
		return nil, errors.Errorf("%s multiplication requires the reduction dimension (%d) to be a multiple of %d",
			mode, l.totalK, SlabDepth)
	}

	output := e.getBuffer(dtypes.Float32, outMerged.Size())
	output.shape = outMerged
	l.c = output.flatF32()

	// Size the grid: one cell per output tile, each written by exactly one
	// work-group, so cells partition the output disjointly.
	var gridCells int
	var runCell func(wg *workGroup, cell int)
	switch mode {
	case ModeSDD:
		gridCells = l.totalBlocks * l.batches
		runCell = func(wg *workGroup, cell int) {
			l.cellSDD(wg, cell%l.totalBlocks, cell/l.totalBlocks)
		}
	default:
		mTiles, nTiles := l.totalM/TileDim, l.totalN/TileDim
		gridCells = l.batches * mTiles * nTiles
		runCell = func(wg *workGroup, cell int) {
			batch := cell / (mTiles * nTiles)
			rem := cell % (mTiles * nTiles)
			if mode == ModeDSD {
				l.cellDSD(wg, batch, rem/nTiles, rem%nTiles)
			} else {
				l.cellDDS(wg, batch, rem/nTiles, rem%nTiles)
			}
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("blocksparse %s: batches=%d M=%d N=%d K=%d blocks=%d grid=%d cells",
			mode, l.batches, l.totalM, l.totalN, l.totalK, l.totalBlocks, gridCells)
	}
	e.runGrid(gridCells, runCell)

	output.shape = shapes.SplitLeading(outMerged, leading)
	return output, nil
}

// prepareSDD derives dimensions, strides and the output shape for a dense ×
// dense → sparse-blocks product. The layout here describes the output: its
// row table spans M tiles and its column table N tiles.
func (l *launch) prepareSDD(aShape, bShape shapes.Shape, layout *Layout) (leading []int, outMerged shapes.Shape, err error) {
	if aShape.Rank() < 2 || bShape.Rank() < 2 {
		err = errors.Errorf("sdd operands must have rank >= 2: got %s and %s", aShape, bShape)
		return
	}
	var aMerged, bMerged shapes.Shape
	aMerged, leading = shapes.MergeLeading(aShape, 2)
	bMerged, _ = shapes.MergeLeading(bShape, 2)
	l.batches = aMerged.Dim(0)
	if bMerged.Dim(0) != l.batches {
		err = errors.Errorf("sdd batch dimensions don't match: %s vs %s", aShape, bShape)
		return
	}

	aPhysRows, aPhysCols := aMerged.Dim(-2), aMerged.Dim(-1)
	l.totalM, l.aRow, l.aCol = aPhysRows, aPhysCols, 1
	aK := aPhysCols
	if l.transA {
		l.totalM, aK = aPhysCols, aPhysRows
		l.aRow, l.aCol = 1, aPhysCols
	}
	bPhysRows, bPhysCols := bMerged.Dim(-2), bMerged.Dim(-1)
	l.totalK, l.totalN = bPhysRows, bPhysCols
	l.bRow, l.bCol = bPhysCols, 1
	if l.transB {
		l.totalK, l.totalN = bPhysCols, bPhysRows
		l.bRow, l.bCol = 1, bPhysCols
	}
	if aK != l.totalK {
		err = errors.Errorf("sdd reduction dimensions don't match: a gives %d, b gives %d", aK, l.totalK)
		return
	}
	if layout.rows.DenseDim() != l.totalM || layout.cols.DenseDim() != l.totalN {
		err = errors.Errorf("sdd layout spans a %d×%d output, operands give %d×%d",
			layout.rows.DenseDim(), layout.cols.DenseDim(), l.totalM, l.totalN)
		return
	}
	l.aBatch = aMerged.Dim(-2) * aMerged.Dim(-1)
	l.bBatch = bMerged.Dim(-2) * bMerged.Dim(-1)
	l.cBatch = l.totalBlocks * TileSize
	outMerged = shapes.Make(dtypes.Float32, l.batches, l.totalBlocks, TileDim, TileDim)
	return
}

// prepareDSD derives dimensions for sparse × dense → dense. The layout
// describes A: the selected ordering spans the output's M tiles and the
// complementary one A's reduction tiles.
func (l *launch) prepareDSD(aShape, bShape shapes.Shape, layout *Layout) (leading []int, outMerged shapes.Shape, err error) {
	if aShape.Rank() < 3 || bShape.Rank() < 2 {
		err = errors.Errorf("dsd operands must have ranks >= 3 (sparse blocks) and >= 2: got %s and %s", aShape, bShape)
		return
	}
	aMerged, _ := shapes.MergeLeading(aShape, 3)
	var bMerged shapes.Shape
	bMerged, leading = shapes.MergeLeading(bShape, 2)
	if err = checkSparseOperand("dsd", "a", aMerged, aShape, l.totalBlocks); err != nil {
		return
	}
	l.batches = aMerged.Dim(0)
	if bMerged.Dim(0) != l.batches {
		err = errors.Errorf("dsd batch dimensions don't match: %s vs %s", aShape, bShape)
		return
	}

	l.totalM = l.indexed.DenseDim()
	bPhysRows, bPhysCols := bMerged.Dim(-2), bMerged.Dim(-1)
	l.totalK, l.totalN = bPhysRows, bPhysCols
	l.bRow, l.bCol = bPhysCols, 1
	if l.transB {
		l.totalK, l.totalN = bPhysCols, bPhysRows
		l.bRow, l.bCol = 1, bPhysCols
	}
	if kDim := layout.kOrdering(l.mode, l.transA, l.transB).DenseDim(); kDim != l.totalK {
		err = errors.Errorf("dsd reduction dimensions don't match: a's layout gives %d, b gives %d", kDim, l.totalK)
		return
	}
	if l.totalN%TileDim != 0 {
		err = errors.Errorf("dsd output columns (%d) must be a multiple of the tile width %d", l.totalN, TileDim)
		return
	}
	l.aBatch = l.totalBlocks * TileSize
	l.bBatch = bMerged.Dim(-2) * bMerged.Dim(-1)
	l.cBatch = l.totalM * l.totalN
	outMerged = shapes.Make(dtypes.Float32, l.batches, l.totalM, l.totalN)
	return
}

// prepareDDS derives dimensions for dense × sparse → dense, the mirror of
// prepareDSD with the layout describing B.
func (l *launch) prepareDDS(aShape, bShape shapes.Shape, layout *Layout) (leading []int, outMerged shapes.Shape, err error) {
	if aShape.Rank() < 2 || bShape.Rank() < 3 {
		err = errors.Errorf("dds operands must have ranks >= 2 and >= 3 (sparse blocks): got %s and %s", aShape, bShape)
		return
	}
	var aMerged shapes.Shape
	aMerged, leading = shapes.MergeLeading(aShape, 2)
	bMerged, _ := shapes.MergeLeading(bShape, 3)
	if err = checkSparseOperand("dds", "b", bMerged, bShape, l.totalBlocks); err != nil {
		return
	}
	l.batches = aMerged.Dim(0)
	if bMerged.Dim(0) != l.batches {
		err = errors.Errorf("dds batch dimensions don't match: %s vs %s", aShape, bShape)
		return
	}

	aPhysRows, aPhysCols := aMerged.Dim(-2), aMerged.Dim(-1)
	l.totalM, l.aRow, l.aCol = aPhysRows, aPhysCols, 1
	aK := aPhysCols
	if l.transA {
		l.totalM, aK = aPhysCols, aPhysRows
		l.aRow, l.aCol = 1, aPhysCols
	}
	l.totalK = aK
	l.totalN = l.indexed.DenseDim()
	if kDim := layout.kOrdering(l.mode, l.transA, l.transB).DenseDim(); kDim != l.totalK {
		err = errors.Errorf("dds reduction dimensions don't match: a gives %d, b's layout gives %d", l.totalK, kDim)
		return
	}
	if l.totalM%TileDim != 0 {
		err = errors.Errorf("dds output rows (%d) must be a multiple of the tile width %d", l.totalM, TileDim)
		return
	}
	l.aBatch = aMerged.Dim(-2) * aMerged.Dim(-1)
	l.bBatch = l.totalBlocks * TileSize
	l.cBatch = l.totalM * l.totalN
	outMerged = shapes.Make(dtypes.Float32, l.batches, l.totalM, l.totalN)
	return
}

// checkSparseOperand validates the trailing blocks × 32 × 32 dimensions of a
// sparse operand against the layout's block count.
func checkSparseOperand(mode, name string, merged, original shapes.Shape, totalBlocks int) error {
	if merged.Dim(-1) != TileDim || merged.Dim(-2) != TileDim {
		return errors.Errorf("%s sparse operand %s must end in %d×%d tiles: got %s",
			mode, name, TileDim, TileDim, original)
	}
	if merged.Dim(-3) != totalBlocks {
		return errors.Errorf("%s sparse operand %s holds %d blocks, layout has %d",
			mode, name, merged.Dim(-3), totalBlocks)
	}
	return nil
}

// runGrid spreads the grid cells over the workers pool, chunked so each
// worker runs a contiguous range of cells with one reused workGroup.
func (e *Engine) runGrid(cells int, runCell func(wg *workGroup, cell int)) {
	maxParallelism := e.workers.MaxParallelism()
	chunk := 1
	if e.workers.IsEnabled() && !e.workers.IsUnlimited() {
		chunk = (cells + maxParallelism - 1) / maxParallelism
	}
	waiter := xsync.NewDynamicWaitGroup()
	for start := 0; start < cells; start += chunk {
		waiter.Add(1)
		chunkFn := func() {
			wg := e.acquireWorkGroup()
			for cell := start; cell < min(start+chunk, cells); cell++ {
				runCell(wg, cell)
			}
			e.releaseWorkGroup(wg)
			waiter.Done()
		}
		if e.workers.IsEnabled() {
			e.workers.WaitToStart(chunkFn)
		} else {
			chunkFn()
		}
	}
	waiter.Wait()
}

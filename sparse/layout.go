// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/pkg/errors"
)

// TileCoord is one resolved non-zero block: its tile row, tile column and its
// linear position (Idx) in the block list. Idx addresses the block's 32×32
// slab inside the sparse operand's flat data, at
// (batch*numBlocks+Idx)*TileSize.
type TileCoord struct {
	Row, Col, Idx int
}

// Ordering is one traversal order of a layout's non-zero blocks: the block
// list as (row, col) int16 pairs, plus a table with one offset per tile row
// (or tile column, for the column-major ordering) and a trailing sentinel, so
// that table[i]..table[i+1] spans the blocks of tile row/column i.
type Ordering struct {
	// blocks holds 2*numBlocks entries: (row, col) pairs in list order.
	blocks []int16

	// table holds numTiles+1 monotonically non-decreasing offsets into the
	// block list; table[numTiles] == numBlocks.
	table []int32

	// index maps list positions to storage positions. Block data is always
	// stored in row-major block order, so the row-major ordering leaves this
	// nil (identity) and the column-major ordering carries the permutation.
	index []int32
}

// NumBlocks is the number of non-zero 32×32 tiles.
func (o *Ordering) NumBlocks() int { return len(o.blocks) / 2 }

// NumTiles is the number of tile rows (or columns) the table spans.
func (o *Ordering) NumTiles() int { return len(o.table) - 1 }

// DenseDim is the dense dimension implied by the table: NumTiles tiles of 32.
func (o *Ordering) DenseDim() int { return o.NumTiles() * TileDim }

// Get returns the i-th block in list order. Idx is the block's storage
// position, which for the column-major ordering differs from i.
func (o *Ordering) Get(i int) TileCoord {
	idx := i
	if o.index != nil {
		idx = int(o.index[i])
	}
	return TileCoord{Row: int(o.blocks[2*i]), Col: int(o.blocks[2*i+1]), Idx: idx}
}

// Span returns the [start, end) block-list range of tile row/column i.
func (o *Ordering) Span(i int) (start, end int) {
	return int(o.table[i]), int(o.table[i+1])
}

// Layout is the immutable description of which 32×32 tiles of a sparse
// operand are non-zero, indexed both in row-major and in column-major
// traversal order. A Layout is read-only after construction and can be shared
// freely across concurrent multiplications.
type Layout struct {
	rows, cols Ordering
}

// Rows returns the row-major ordering.
func (l *Layout) Rows() *Ordering { return &l.rows }

// Cols returns the column-major ordering.
func (l *Layout) Cols() *Ordering { return &l.cols }

// NumBlocks is the number of non-zero tiles in the layout.
func (l *Layout) NumBlocks() int { return l.rows.NumBlocks() }

// NewLayout builds a Layout from its four raw arrays: the row-major block
// list and table, and the column-major block list and table, with the
// encoding described in Ordering.
//
// Both orderings are validated: tables must start at zero, be monotonically
// non-decreasing and end in the block count; block coordinates must lie
// inside the tile grid implied by the two tables; each ordering's spans must
// contain exactly the blocks of that tile row/column; and both orderings
// must name the same set of blocks.
func NewLayout(rowBlocks []int16, rowTable []int32, colBlocks []int16, colTable []int32) (*Layout, error) {
	l := &Layout{
		rows: Ordering{blocks: rowBlocks, table: rowTable},
		cols: Ordering{blocks: colBlocks, table: colTable},
	}
	if len(rowBlocks)%2 != 0 || len(colBlocks)%2 != 0 {
		return nil, errors.Errorf("block lists must hold (row, col) pairs: got %d and %d entries",
			len(rowBlocks), len(colBlocks))
	}
	if l.rows.NumBlocks() != l.cols.NumBlocks() {
		return nil, errors.Errorf("row ordering has %d blocks, column ordering has %d",
			l.rows.NumBlocks(), l.cols.NumBlocks())
	}
	numTileRows, numTileCols := l.rows.NumTiles(), l.cols.NumTiles()
	if err := validateOrdering(&l.rows, "row", 0, numTileRows, numTileCols); err != nil {
		return nil, err
	}
	if err := validateOrdering(&l.cols, "column", 1, numTileCols, numTileRows); err != nil {
		return nil, err
	}

	// The two orderings must describe the same sparsity pattern. The
	// row-major list order is also the block storage order, so the
	// column-major ordering gets the permutation into it.
	storage := make(map[[2]int16]int32, l.rows.NumBlocks())
	for i := 0; i < l.rows.NumBlocks(); i++ {
		storage[[2]int16{rowBlocks[2*i], rowBlocks[2*i+1]}] = int32(i)
	}
	if len(storage) != l.rows.NumBlocks() {
		return nil, errors.Errorf("row ordering lists the same block more than once")
	}
	l.cols.index = make([]int32, l.cols.NumBlocks())
	for i := 0; i < l.cols.NumBlocks(); i++ {
		pos, ok := storage[[2]int16{colBlocks[2*i], colBlocks[2*i+1]}]
		if !ok {
			return nil, errors.Errorf("row and column orderings disagree on the set of non-zero blocks")
		}
		l.cols.index[i] = pos
	}
	return l, nil
}

// validateOrdering checks the table/block-list invariants of one ordering.
// sortAxis is 0 when the list is sorted by row and the table spans tile rows,
// 1 when sorted by column.
func validateOrdering(o *Ordering, name string, sortAxis, numTiles, numOtherTiles int) error {
	if len(o.table) < 1 {
		return errors.Errorf("%s table is empty: it needs one entry per tile %s plus a sentinel", name, name)
	}
	if o.table[0] != 0 {
		return errors.Errorf("%s table must start at offset 0, got %d", name, o.table[0])
	}
	if int(o.table[numTiles]) != o.NumBlocks() {
		return errors.Errorf("%s table sentinel is %d, want the block count %d", name, o.table[numTiles], o.NumBlocks())
	}
	for i := 0; i < numTiles; i++ {
		if o.table[i+1] < o.table[i] {
			return errors.Errorf("%s table is not monotonically non-decreasing at entry %d: %d > %d",
				name, i, o.table[i], o.table[i+1])
		}
		start, end := o.Span(i)
		for p := start; p < end; p++ {
			coord := o.Get(p)
			sortCoord, otherCoord := coord.Row, coord.Col
			if sortAxis == 1 {
				sortCoord, otherCoord = coord.Col, coord.Row
			}
			if sortCoord != i {
				return errors.Errorf("%s table span %d holds block (%d, %d), which belongs to %s %d",
					name, i, coord.Row, coord.Col, name, sortCoord)
			}
			if otherCoord < 0 || otherCoord >= numOtherTiles {
				return errors.Errorf("block (%d, %d) is outside the %d×%d tile grid",
					coord.Row, coord.Col, numTiles, numOtherTiles)
			}
		}
	}
	return nil
}

// FromMask builds a Layout from a boolean tile mask: mask[r][c] is true where
// tile (r, c) is non-zero. All rows of the mask must have the same length.
func FromMask(mask [][]bool) *Layout {
	numTileRows := len(mask)
	numTileCols := 0
	if numTileRows > 0 {
		numTileCols = len(mask[0])
	}
	l := &Layout{
		rows: Ordering{table: make([]int32, 1, numTileRows+1)},
		cols: Ordering{table: make([]int32, 1, numTileCols+1)},
	}
	storage := make(map[[2]int]int32)
	for r, row := range mask {
		for c, set := range row {
			if set {
				storage[[2]int{r, c}] = int32(len(l.rows.blocks) / 2)
				l.rows.blocks = append(l.rows.blocks, int16(r), int16(c))
			}
		}
		l.rows.table = append(l.rows.table, int32(len(l.rows.blocks)/2))
	}
	for c := 0; c < numTileCols; c++ {
		for r := 0; r < numTileRows; r++ {
			if mask[r][c] {
				l.cols.blocks = append(l.cols.blocks, int16(r), int16(c))
				l.cols.index = append(l.cols.index, storage[[2]int{r, c}])
			}
		}
		l.cols.table = append(l.cols.table, int32(len(l.cols.blocks)/2))
	}
	return l
}

// ordering selects which traversal the kernel walks for the given mode and
// transpose flags: row-major when the sparse operand (or sparse output) is
// consumed by row -- SDD output, non-transposed DSD A, transposed DDS B --
// and column-major in the complementary cases.
func (l *Layout) ordering(mode Mode, transA, transB bool) *Ordering {
	switch mode {
	case ModeDSD:
		if transA {
			return &l.cols
		}
		return &l.rows
	case ModeDDS:
		if transB {
			return &l.rows
		}
		return &l.cols
	default: // ModeSDD
		return &l.rows
	}
}

// kOrdering is the complementary ordering of ordering(): its table spans the
// sparse operand's reduction axis, so its DenseDim must match the dense
// operand's K.
func (l *Layout) kOrdering(mode Mode, transA, transB bool) *Ordering {
	indexed := l.ordering(mode, transA, transB)
	if indexed == &l.rows {
		return &l.cols
	}
	return &l.rows
}

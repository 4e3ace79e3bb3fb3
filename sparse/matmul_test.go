package sparse

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// defaultTolerance for comparisons against the float64 dense reference.
const defaultTolerance = 1e-4

// randBuffer returns a Float32 buffer with the given dimensions filled with
// small pseudo-random values.
func randBuffer(rng *rand.Rand, dimensions ...int) *Buffer {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = rng.Float32() - 0.5
	}
	return FromFlatDataAndDimensions(data, dimensions...)
}

// denseRef computes the batched dense product with a plain triple loop,
// accumulating in float64.
func denseRef(a, b []float32, batches, m, n, k int, transA, transB bool) []float32 {
	out := make([]float32, batches*m*n)
	for batch := 0; batch < batches; batch++ {
		aOff, bOff, cOff := batch*m*k, batch*k*n, batch*m*n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float64
				for kk := 0; kk < k; kk++ {
					aVal := a[aOff+i*k+kk]
					if transA {
						aVal = a[aOff+kk*m+i]
					}
					bVal := b[bOff+kk*n+j]
					if transB {
						bVal = b[bOff+j*k+kk]
					}
					sum += float64(aVal) * float64(bVal)
				}
				out[cOff+i*n+j] = float32(sum)
			}
		}
	}
	return out
}

// transposeLast2 swaps the two trailing axes of flat [batches, rows, cols] data.
func transposeLast2(data []float32, batches, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for batch := 0; batch < batches; batch++ {
		off := batch * rows * cols
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[off+j*rows+i] = data[off+i*cols+j]
			}
		}
	}
	return out
}

// denseToBlocks extracts the layout's non-zero tiles of flat
// [batches, rows, cols] data, in row-major block order.
func denseToBlocks(dense []float32, batches, rows, cols int, layout *Layout) *Buffer {
	numBlocks := layout.NumBlocks()
	out := make([]float32, batches*numBlocks*TileSize)
	for batch := 0; batch < batches; batch++ {
		for p := 0; p < numBlocks; p++ {
			coord := layout.Rows().Get(p)
			src := batch*rows*cols + coord.Row*TileDim*cols + coord.Col*TileDim
			dst := (batch*numBlocks + p) * TileSize
			for i := 0; i < TileDim; i++ {
				copy(out[dst+i*TileDim:dst+(i+1)*TileDim], dense[src+i*cols:src+i*cols+TileDim])
			}
		}
	}
	return FromFlatDataAndDimensions(out, batches, numBlocks, TileDim, TileDim)
}

// blocksToDense scatters block data back to a dense [batches, rows, cols]
// matrix, zero outside the layout.
func blocksToDense(blocks []float32, batches, rows, cols int, layout *Layout) []float32 {
	numBlocks := layout.NumBlocks()
	out := make([]float32, batches*rows*cols)
	for batch := 0; batch < batches; batch++ {
		for p := 0; p < numBlocks; p++ {
			coord := layout.Rows().Get(p)
			dst := batch*rows*cols + coord.Row*TileDim*cols + coord.Col*TileDim
			src := (batch*numBlocks + p) * TileSize
			for i := 0; i < TileDim; i++ {
				copy(out[dst+i*cols:dst+i*cols+TileDim], blocks[src+i*TileDim:src+(i+1)*TileDim])
			}
		}
	}
	return out
}

func requireAllClose(t *testing.T, want, got []float32, tolerance float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for ii := range want {
		require.InDeltaf(t, want[ii], got[ii], tolerance+tolerance*math.Abs(float64(want[ii])),
			"element %d: want %g, got %g", ii, want[ii], got[ii])
	}
}

// fullMask returns a tile mask with every tile set.
func fullMask(tileRows, tileCols int) [][]bool {
	mask := make([][]bool, tileRows)
	for r := range mask {
		mask[r] = make([]bool, tileCols)
		for c := range mask[r] {
			mask[r][c] = true
		}
	}
	return mask
}

func TestMatMulSDD(t *testing.T) {
	e := New()
	rng := rand.New(rand.NewSource(42))
	const batches, m, n, k = 2, 64, 64, 32
	a := randBuffer(rng, 2, 1, m, k)
	b := randBuffer(rng, 2, 1, k, n)
	layout := FromMask([][]bool{
		{true, false},
		{false, true},
	})

	c, err := e.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, TileDim, TileDim}, c.Shape().Dimensions)

	ref := denseRef(a.flatF32(), b.flatF32(), batches, m, n, k, false, false)
	refBlocks := denseToBlocks(ref, batches, m, n, layout)
	got, err := c.Float32Data()
	require.NoError(t, err)
	requireAllClose(t, refBlocks.flatF32(), got, defaultTolerance)
}

func TestMatMulSDDSingleBlock(t *testing.T) {
	// A single non-zero output block must equal the plain 32×32 product of
	// A's row band and B's column band.
	e := New()
	rng := rand.New(rand.NewSource(7))
	const m, n, k = 32, 32, 64
	a := randBuffer(rng, m, k)
	b := randBuffer(rng, k, n)
	layout := FromMask([][]bool{{true}})

	c, err := e.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, TileDim, TileDim}, c.Shape().Dimensions)

	ref := denseRef(a.flatF32(), b.flatF32(), 1, m, n, k, false, false)
	requireAllClose(t, ref, c.flatF32(), defaultTolerance)
}

func TestMatMulDSD(t *testing.T) {
	// With a fully dense layout, dsd must match the ordinary dense matmul.
	e := New()
	rng := rand.New(rand.NewSource(13))
	const batches, m, n, k = 3, 64, 32, 64
	layout := FromMask(fullMask(m/TileDim, k/TileDim))
	aDense := randBuffer(rng, batches, m, k)
	aBlocks := denseToBlocks(aDense.flatF32(), batches, m, k, layout)
	b := randBuffer(rng, batches, k, n)

	c, err := e.MatMul(aBlocks, b, ModeDSD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{batches, m, n}, c.Shape().Dimensions)

	ref := denseRef(aDense.flatF32(), b.flatF32(), batches, m, n, k, false, false)
	requireAllClose(t, ref, c.flatF32(), defaultTolerance)
}

func TestMatMulDSDPartial(t *testing.T) {
	// Rows of the output whose tile row has no blocks must come out zero;
	// the rest must match the reference computed on the zero-filled dense
	// equivalent of A.
	e := New()
	rng := rand.New(rand.NewSource(99))
	const batches, m, n, k = 2, 96, 64, 64
	mask := [][]bool{
		{true, false},
		{false, false}, // tile row 1 of the output is all zeros
		{true, true},
	}
	layout := FromMask(mask)
	aDense := randBuffer(rng, batches, m, k)
	aBlocks := denseToBlocks(aDense.flatF32(), batches, m, k, layout)
	// The dense equivalent of the sparse operand zeroes the masked-out tiles.
	aEquiv := blocksToDense(aBlocks.flatF32(), batches, m, k, layout)
	b := randBuffer(rng, batches, k, n)

	c, err := e.MatMul(aBlocks, b, ModeDSD, layout, false, false)
	require.NoError(t, err)
	ref := denseRef(aEquiv, b.flatF32(), batches, m, n, k, false, false)
	requireAllClose(t, ref, c.flatF32(), defaultTolerance)

	// Zero tile row check, explicitly.
	got := c.flatF32()
	for j := 0; j < n; j++ {
		assert.Zero(t, got[(TileDim)*n+j])
	}
}

func TestMatMulDDS(t *testing.T) {
	e := New()
	rng := rand.New(rand.NewSource(17))
	const batches, m, n, k = 2, 32, 64, 64
	layout := FromMask(fullMask(k/TileDim, n/TileDim))
	bDense := randBuffer(rng, batches, k, n)
	bBlocks := denseToBlocks(bDense.flatF32(), batches, k, n, layout)
	a := randBuffer(rng, batches, m, k)

	c, err := e.MatMul(a, bBlocks, ModeDDS, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{batches, m, n}, c.Shape().Dimensions)

	ref := denseRef(a.flatF32(), bDense.flatF32(), batches, m, n, k, false, false)
	requireAllClose(t, ref, c.flatF32(), defaultTolerance)
}

func TestMatMulTransposes(t *testing.T) {
	// f(Aᵀdata, B, transA=true) must match f(A, B, transA=false), and the
	// same for B, across all three modes.
	e := New()
	rng := rand.New(rand.NewSource(23))
	const batches, m, n, k = 2, 64, 64, 32

	sddLayout := FromMask(fullMask(m/TileDim, n/TileDim))
	a := randBuffer(rng, batches, m, k)
	aT := FromFlatDataAndDimensions(transposeLast2(a.flatF32(), batches, m, k), batches, k, m)
	b := randBuffer(rng, batches, k, n)
	bT := FromFlatDataAndDimensions(transposeLast2(b.flatF32(), batches, k, n), batches, n, k)

	want, err := e.MatMul(a, b, ModeSDD, sddLayout, false, false)
	require.NoError(t, err)
	gotA, err := e.MatMul(aT, b, ModeSDD, sddLayout, true, false)
	require.NoError(t, err)
	requireAllClose(t, want.flatF32(), gotA.flatF32(), defaultTolerance)
	gotB, err := e.MatMul(a, bT, ModeSDD, sddLayout, false, true)
	require.NoError(t, err)
	requireAllClose(t, want.flatF32(), gotB.flatF32(), defaultTolerance)

	// dsd: transposing the sparse operand switches to the column-major
	// traversal; the blocks themselves stay in row-major order.
	dsdLayout := FromMask([][]bool{
		{true, false, true},
		{false, true, true},
	})
	const dm, dk = 64, 96 // stored sparse matrix is dm×dk, tile grid 2×3
	dsdDense := randBuffer(rng, batches, dm, dk)
	dsdBlocks := denseToBlocks(dsdDense.flatF32(), batches, dm, dk, dsdLayout)
	aEquiv := blocksToDense(dsdBlocks.flatF32(), batches, dm, dk, dsdLayout)

	bK := randBuffer(rng, batches, dk, n)
	want3, err := e.MatMul(dsdBlocks, bK, ModeDSD, dsdLayout, false, false)
	require.NoError(t, err)
	ref3 := denseRef(aEquiv, bK.flatF32(), batches, dm, n, dk, false, false)
	requireAllClose(t, ref3, want3.flatF32(), defaultTolerance)

	bKT := FromFlatDataAndDimensions(transposeLast2(bK.flatF32(), batches, dk, n), batches, n, dk)
	got3, err := e.MatMul(dsdBlocks, bKT, ModeDSD, dsdLayout, false, true)
	require.NoError(t, err)
	requireAllClose(t, want3.flatF32(), got3.flatF32(), defaultTolerance)

	// Transposed sparse A: the same blocks consumed transposed, walked by
	// the column-major ordering; now M=96 and K=64.
	bT96 := randBuffer(rng, batches, dm, n)
	got4, err := e.MatMul(dsdBlocks, bT96, ModeDSD, dsdLayout, true, false)
	require.NoError(t, err)
	ref4 := denseRef(aEquiv, bT96.flatF32(), batches, dk, n, dm, true, false)
	requireAllClose(t, ref4, got4.flatF32(), defaultTolerance)

	// dds with transposed sparse B.
	ddsLayout := dsdLayout // 2×3 tile grid, B is 64×96 when not transposed
	bDense := randBuffer(rng, batches, dm, dk)
	bBlocks := denseToBlocks(bDense.flatF32(), batches, dm, dk, ddsLayout)
	bEquiv := blocksToDense(bBlocks.flatF32(), batches, dm, dk, ddsLayout)
	aM := randBuffer(rng, batches, m, dm)
	want5, err := e.MatMul(aM, bBlocks, ModeDDS, ddsLayout, false, false)
	require.NoError(t, err)
	ref5 := denseRef(aM.flatF32(), bEquiv, batches, m, dk, dm, false, false)
	requireAllClose(t, ref5, want5.flatF32(), defaultTolerance)

	// Bᵀ: the same blocks consumed transposed; now K=96 and N=64.
	aK := randBuffer(rng, batches, m, dk)
	got6, err := e.MatMul(aK, bBlocks, ModeDDS, ddsLayout, false, true)
	require.NoError(t, err)
	bEquivT := transposeLast2(bEquiv, batches, dm, dk)
	ref6 := denseRef(aK.flatF32(), bEquivT, batches, m, dm, dk, false, false)
	requireAllClose(t, ref6, got6.flatF32(), defaultTolerance)
}

func TestMatMulBatchShapes(t *testing.T) {
	// Leading batch axes are flattened for the launch and restored on the
	// output shape.
	e := New()
	rng := rand.New(rand.NewSource(31))
	layout := FromMask(fullMask(1, 1))
	a := randBuffer(rng, 2, 3, 32, 32)
	b := randBuffer(rng, 2, 3, 32, 32)

	c, err := e.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1, TileDim, TileDim}, c.Shape().Dimensions)

	// No batch axes at all: rank 2 dense inputs, rank 3 sparse output.
	a2 := randBuffer(rng, 32, 32)
	b2 := randBuffer(rng, 32, 32)
	c2, err := e.MatMul(a2, b2, ModeSDD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, TileDim, TileDim}, c2.Shape().Dimensions)
}

func TestMatMulRejections(t *testing.T) {
	e := New()
	rng := rand.New(rand.NewSource(5))
	layout := FromMask(fullMask(1, 1))
	a := randBuffer(rng, 32, 32)
	b := randBuffer(rng, 32, 32)

	// Invalid mode value.
	_, err := e.MatMul(a, b, Mode(7), layout, false, false)
	require.ErrorContains(t, err, "mode")

	// Nil layout.
	_, err = e.MatMul(a, b, ModeSDD, nil, false, false)
	require.ErrorContains(t, err, "layout")

	// Unsupported dtype.
	a64 := FromFlatDataAndDimensions(make([]float64, 32*32), 32, 32)
	_, err = e.MatMul(a64, b, ModeSDD, layout, false, false)
	require.ErrorContains(t, err, "dtype")

	// Reduction dimension not a multiple of the slab depth.
	aBad := randBuffer(rng, 32, 12)
	bBad := randBuffer(rng, 12, 32)
	_, err = e.MatMul(aBad, bBad, ModeSDD, layout, false, false)
	require.Error(t, err)

	// Mismatched reduction dimensions.
	aK := randBuffer(rng, 32, 64)
	_, err = e.MatMul(aK, b, ModeSDD, layout, false, false)
	require.Error(t, err)

	// Mismatched batch dimensions.
	aB := randBuffer(rng, 2, 32, 32)
	bB := randBuffer(rng, 3, 32, 32)
	_, err = e.MatMul(aB, bB, ModeSDD, layout, false, false)
	require.Error(t, err)

	// Layout grid does not span the dense output: 64×64 product against a
	// 1×1 tile grid.
	aL := randBuffer(rng, 64, 32)
	bL := randBuffer(rng, 32, 64)
	_, err = e.MatMul(aL, bL, ModeSDD, layout, false, false)
	require.Error(t, err)

	// Sparse operand with the wrong trailing shape.
	aWrong := randBuffer(rng, 1, 16, 16)
	bDSD := randBuffer(rng, 32, 32)
	_, err = e.MatMul(aWrong, bDSD, ModeDSD, layout, false, false)
	require.Error(t, err)
}

func TestMatMulClearsPooledOutput(t *testing.T) {
	// Output buffers come from a pool; a recycled buffer full of garbage
	// must not leak into the result. Seed the pool with NaNs and check the
	// product is NaN-free, including the zero tiles a partial layout skips.
	e := New()
	rng := rand.New(rand.NewSource(3))
	const batches, m, n, k = 1, 64, 64, 32
	layout := FromMask([][]bool{
		{true, false},
		{false, false},
	})
	a := randBuffer(rng, batches, m, k)
	b := randBuffer(rng, batches, k, n)

	poisoned := e.getBuffer(dtypes.Float32, batches*1*TileSize)
	nan := float32(math.NaN())
	for ii := range poisoned.flatF32() {
		poisoned.flatF32()[ii] = nan
	}
	e.ReleaseBuffer(poisoned)

	c, err := e.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	for ii, v := range c.flatF32() {
		require.Falsef(t, math.IsNaN(float64(v)), "NaN at flat index %d", ii)
	}
}

func TestMatMulSequentialParallelism(t *testing.T) {
	// maxParallelism 0 forces the sequential path; results must match the
	// parallel engine exactly since the accumulation order is fixed.
	seq := New()
	seq.SetMaxParallelism(0)
	par := New()
	par.SetMaxParallelism(-1)
	rng := rand.New(rand.NewSource(11))
	const batches, m, n, k = 2, 96, 96, 64
	layout := FromMask(fullMask(m/TileDim, n/TileDim))
	a := randBuffer(rng, batches, m, k)
	b := randBuffer(rng, batches, k, n)

	c1, err := seq.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	c2, err := par.MatMul(a, b, ModeSDD, layout, false, false)
	require.NoError(t, err)
	assert.Equal(t, c1.flatF32(), c2.flatF32())
}

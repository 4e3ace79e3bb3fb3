package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlabProtocol(t *testing.T) {
	s := newSlab(2, 4)
	src := []float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	}

	// Contiguous prefetch (colStride 1).
	s.prefetch(src, 0, 4, 1)
	s.commit(0)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, s.data(0))

	// Overlap: prefetch the next slice before releasing slot 0.
	s.prefetch(src, 4, 4, 1)
	s.commit(1)
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 10, 11}, s.data(1))
	s.release(0)
	s.release(1)

	// Released slots can be committed again.
	s.prefetch(src, 0, 4, 1)
	s.commit(0)
	s.release(0)
}

func TestSlabTransposedStrides(t *testing.T) {
	// A transposed operand is read by swapping the strides: the slab sees
	// the same rows×cols logical slice either way.
	s := newSlab(2, 3)
	// Physical 3×2 matrix, row-major; its transpose is 2×3.
	src := []float32{
		1, 2,
		3, 4,
		5, 6,
	}
	s.prefetch(src, 0, 1, 2)
	s.commit(0)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, s.data(0))
}

func TestSlabViolationsPanic(t *testing.T) {
	s := newSlab(1, 2)
	src := []float32{1, 2, 3, 4}

	// Nothing prefetched.
	require.Panics(t, func() { s.commit(0) })

	// Double prefetch without commit.
	s.prefetch(src, 0, 2, 1)
	require.Panics(t, func() { s.prefetch(src, 2, 2, 1) })

	// Commit over unreleased data.
	s.commit(0)
	s.prefetch(src, 2, 2, 1)
	require.Panics(t, func() { s.commit(0) })

	// Other slot is free.
	s.commit(1)

	// data/release on a slot with nothing staged.
	s.release(0)
	require.Panics(t, func() { s.data(0) })
	require.Panics(t, func() { s.release(0) })

	// reset drops protocol state.
	s.reset()
	s.prefetch(src, 0, 2, 1)
	s.commit(0)
	assert.Equal(t, []float32{1, 2}, s.data(0))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and the batch-axis algebra used by the
// block-sparse matmul dispatcher.
//
// Shape represents the rank, dimensions and DType of a flat tensor buffer.
// DType comes from github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Negative axes count from the end, so
//     axis=-1 refers to the last axis.
//   - Dimension: the size of one axis.
//
// Batched operands carry zero or more leading batch axes followed by a fixed
// number of trailing "matrix" axes (2 for dense operands, 3 for block-sparse
// ones). MergeLeading and SplitLeading convert between the caller's arbitrary
// batch rank and the normalized rank the kernel operates on; they are exact
// inverses of each other.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor buffer.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is zero or negative.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// MergeLeading flattens all but the trailing keepTrailing axes of s into a
// single leading batch axis, returning the merged shape and the original
// leading dimensions -- the latter is what SplitLeading needs to undo the
// merge.
//
// A shape with rank == keepTrailing gets a synthetic leading batch axis of
// dimension 1 (and a nil leading slice).
//
// It panics if s has rank < keepTrailing: callers are expected to have
// validated ranks already.
func MergeLeading(s Shape, keepTrailing int) (merged Shape, leading []int) {
	rank := s.Rank()
	if rank < keepTrailing {
		exceptions.Panicf("shapes.MergeLeading(%s, keepTrailing=%d): rank %d is too small", s, keepTrailing, rank)
	}
	numLeading := rank - keepTrailing
	batch := 1
	for _, dim := range s.Dimensions[:numLeading] {
		batch *= dim
	}
	if numLeading > 0 {
		leading = slices.Clone(s.Dimensions[:numLeading])
	}
	mergedDims := make([]int, 0, keepTrailing+1)
	mergedDims = append(mergedDims, batch)
	mergedDims = append(mergedDims, s.Dimensions[numLeading:]...)
	merged = Shape{DType: s.DType, Dimensions: mergedDims}
	return
}

// SplitLeading replaces the leading (batch) axis of s with the given leading
// dimensions. It is the inverse of MergeLeading: the product of leading must
// equal the current leading axis dimension.
//
// A nil leading means the batch axis was synthetic and is dropped.
func SplitLeading(s Shape, leading []int) Shape {
	if s.Rank() < 1 {
		exceptions.Panicf("shapes.SplitLeading(%s): shape must have at least the merged batch axis", s)
	}
	product := 1
	for _, dim := range leading {
		product *= dim
	}
	if product != s.Dimensions[0] {
		exceptions.Panicf("shapes.SplitLeading(%s, %v): product of leading dimensions %d does not match the merged batch axis %d",
			s, leading, product, s.Dimensions[0])
	}
	dims := make([]int, 0, len(leading)+s.Rank()-1)
	dims = append(dims, leading...)
	dims = append(dims, s.Dimensions[1:]...)
	return Shape{DType: s.DType, Dimensions: dims}
}

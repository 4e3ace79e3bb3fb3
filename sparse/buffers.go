// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"reflect"
	"sync"

	"github.com/gomlx/blocksparse/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Buffer holds a shape and a reference to the flat data of one operand or
// result.
//
// The flat data is always a slice of the shape's Go element type, in
// row-major order over the shape's dimensions.
type Buffer struct {
	shape shapes.Shape
	valid bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat data as an untyped slice.
func (b *Buffer) Flat() any { return b.flat }

// Float32Data returns the flat data as []float32, or an error if the buffer
// holds a different dtype.
func (b *Buffer) Float32Data() ([]float32, error) {
	flat, ok := b.flat.([]float32)
	if !ok {
		return nil, errors.Errorf("buffer %s does not hold Float32 data", b.shape)
	}
	return flat, nil
}

// flatF32 is the internal accessor used after dtype validation.
func (b *Buffer) flatF32() []float32 { return b.flat.([]float32) }

// FromFlatDataAndDimensions creates a Buffer from the given flat slice and
// dimensions. The data is used directly, not copied; its length must match
// the product of the dimensions, and it panics otherwise.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Buffer {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	return &Buffer{shape: shape, valid: true, flat: data}
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (e *Engine) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := e.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = e.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from the engine pool of buffers.
// The contents are unspecified: callers must fully overwrite them.
func (e *Engine) getBuffer(dtype dtypes.DType, length int) *Buffer {
	pool := e.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

// ReleaseBuffer returns a buffer to the engine pool for reuse.
// Any references to the buffer should be dropped after this.
func (e *Engine) ReleaseBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() {
		return
	}
	buffer.valid = false
	pool := e.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// NewBuffer creates a buffer with a newly allocated flat space.
func NewBuffer(shape shapes.Shape) *Buffer {
	return &Buffer{
		shape: shape,
		valid: true,
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface(),
	}
}

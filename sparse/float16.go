// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/gomlx/blocksparse/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConvertFloat16 decodes a Float16 buffer into a fresh Float32 buffer with
// the same dimensions.
//
// The kernel itself only accumulates in Float32; callers holding
// half-precision data should pre-convert with this before calling MatMul.
func ConvertFloat16(buf *Buffer) (*Buffer, error) {
	if buf.shape.DType != dtypes.Float16 {
		return nil, errors.Errorf("ConvertFloat16: buffer is %s, not Float16", buf.shape)
	}
	halves, ok := buf.flat.([]float16.Float16)
	if !ok {
		return nil, errors.Errorf("ConvertFloat16: buffer flat data is not []float16.Float16")
	}
	out := NewBuffer(shapes.Make(dtypes.Float32, buf.shape.Dimensions...))
	flat := out.flatF32()
	for ii, h := range halves {
		flat[ii] = h.Float32()
	}
	return out, nil
}

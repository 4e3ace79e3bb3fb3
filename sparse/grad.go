// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

// Gradient rules for the three multiplication modes. Both input gradients
// are themselves block-sparse products under the same layout, with the mode's
// density letters permuted: e.g. for C = A×B in "dsd" mode, dA = dC × Bᵀ is
// an "sdd" product (the gradient of a sparse operand is sparse), and
// dB = Aᵀ × dC is a "dsd" product.

// MatMulGrads computes the gradients of a mode multiplication with respect
// to both operands, given the gradient dc of its output. The arguments must
// match the forward call: the same operands, mode, layout and transpose
// flags.
//
// Returned buffers have the shapes of a and b respectively (sparse-operand
// gradients are returned in block form, like the operand itself).
func MatMulGrads(a, b, dc *Buffer, mode Mode, layout *Layout, transA, transB bool) (da, db *Buffer, err error) {
	return Default().MatMulGrads(a, b, dc, mode, layout, transA, transB)
}

// MatMulGrads computes both operand gradients. See the package-level
// MatMulGrads.
func (e *Engine) MatMulGrads(a, b, dc *Buffer, mode Mode, layout *Layout, transA, transB bool) (da, db *Buffer, err error) {
	da, err = e.MatMulGradA(b, dc, mode, layout, transA, transB)
	if err != nil {
		return nil, nil, err
	}
	db, err = e.MatMulGradB(a, dc, mode, layout, transA, transB)
	if err != nil {
		e.ReleaseBuffer(da)
		return nil, nil, err
	}
	return da, db, nil
}

// MatMulGradA computes the gradient with respect to operand A. Only b and
// the output gradient dc are needed.
func (e *Engine) MatMulGradA(b, dc *Buffer, mode Mode, layout *Layout, transA, transB bool) (*Buffer, error) {
	if transA {
		// dAᵀ = Bᵀ·dCᵀ, with the output density letter moved to A's slot.
		gradMode, err := mode.permuted(1, 2, 0)
		if err != nil {
			return nil, err
		}
		return e.MatMul(b, dc, gradMode, layout, transB, true)
	}
	// dA = dC·Bᵀ.
	gradMode, err := mode.permuted(1, 0, 2)
	if err != nil {
		return nil, err
	}
	return e.MatMul(dc, b, gradMode, layout, false, !transB)
}

// MatMulGradB computes the gradient with respect to operand B. Only a and
// the output gradient dc are needed.
func (e *Engine) MatMulGradB(a, dc *Buffer, mode Mode, layout *Layout, transA, transB bool) (*Buffer, error) {
	if transB {
		// dBᵀ = dCᵀ·A.
		gradMode, err := mode.permuted(2, 0, 1)
		if err != nil {
			return nil, err
		}
		return e.MatMul(dc, a, gradMode, layout, true, transA)
	}
	// dB = Aᵀ·dC.
	gradMode, err := mode.permuted(2, 1, 0)
	if err != nil {
		return nil, err
	}
	return e.MatMul(a, dc, gradMode, layout, !transA, false)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"github.com/pkg/errors"
)

// Mode names which operand of C = A × B is block-sparse, by density letters
// in (output, A, B) order: "sdd" is a sparse output from two dense operands,
// "dsd" a dense output from sparse A and dense B, "dds" a dense output from
// dense A and sparse B.
//
// Use ModeString to parse the lowercase names at the boundary; past parsing,
// dispatch is on the enum only.
type Mode uint8

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=lower -output=mode_enumer.go mode.go

const (
	// ModeSDD computes dense × dense and keeps only the output tiles named
	// by the layout: the result is batch × blocks × 32 × 32.
	ModeSDD Mode = iota

	// ModeDSD computes sparse × dense → dense. A is given as batch ×
	// blocks × 32 × 32 tiles under the layout.
	ModeDSD

	// ModeDDS computes dense × sparse → dense. B is given as batch ×
	// blocks × 32 × 32 tiles under the layout.
	ModeDDS
)

// permuted returns the Mode whose density letters are this mode's letters
// reordered by the given positions. It is used by the gradient rules, where
// e.g. the gradient of a "dsd" product w.r.t. its sparse operand is itself a
// "sdd" product.
//
// It errors if the permutation produces a letter combination that is not a
// supported mode (more or less than one sparse operand).
func (m Mode) permuted(i, j, k int) (Mode, error) {
	s := m.String()
	if len(s) != 3 {
		return 0, errors.Errorf("cannot permute invalid mode %d", m)
	}
	permuted := string([]byte{s[i], s[j], s[k]})
	result, err := ModeString(permuted)
	if err != nil {
		return 0, errors.Errorf("permutation of mode %q gives unsupported mode %q", s, permuted)
	}
	return result, nil
}

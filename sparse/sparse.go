// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sparse implements batched block-sparse matrix multiplication over
// a fixed 32×32 tile granularity.
//
// One of the three operands of C = A × B may be constrained to a sparse
// layout of non-zero 32×32 tiles (see Layout); the multiplication Mode names
// which one, by density letters in (output, A, B) order:
//
//   - ModeSDD: dense × dense → sparse blocks.
//   - ModeDSD: sparse × dense → dense.
//   - ModeDDS: dense × sparse → dense.
//
// Operands carry arbitrary leading batch dimensions, which are flattened
// before compute and restored on the result.
//
// The compute path mirrors the tiled GPU formulation: each output tile is
// produced by one work-group which streams 32×8 slabs of both operands
// through a double-buffered staging area (see slab), accumulating in a
// per-tile register file. Work-groups are independent and are spread over a
// workers pool.
package sparse

import (
	"sync"
)

const (
	// TileDim is the fixed width and height of a block tile.
	TileDim = 32

	// TileSize is the number of elements in one 32×32 tile.
	TileSize = TileDim * TileDim

	// SlabDepth is the K-step width: the reduction dimension is consumed in
	// slabs of this many columns (or rows). TileDim must be a multiple of it.
	SlabDepth = 8
)

// Engine holds the buffer pools and the workers pool used to run
// multiplications. A single Engine can be shared by any number of goroutines.
//
// Most callers can use the package-level MatMul, which uses a shared default
// Engine.
type Engine struct {
	// bufferPools is a map[bufferPoolKey]*sync.Pool of reusable buffers.
	bufferPools sync.Map

	workers workersPool

	// workGroups recycles the per-tile staging and accumulator state.
	workGroups sync.Pool
}

// New constructs an Engine with parallelism defaulting to the number of CPUs.
func New() *Engine {
	e := &Engine{}
	e.workers.Initialize()
	e.workGroups.New = func() any { return newWorkGroup() }
	return e
}

var (
	defaultEngine     *Engine
	defaultEngineOnce sync.Once
)

// Default returns the shared package-level Engine.
func Default() *Engine {
	defaultEngineOnce.Do(func() {
		defaultEngine = New()
	})
	return defaultEngine
}

// SetMaxParallelism adjusts the soft limit of parallel work-groups.
// 0 disables parallelism (work-groups run inline), -1 makes it unlimited.
//
// Only change the parallelism while no multiplication is running.
func (e *Engine) SetMaxParallelism(maxParallelism int) {
	e.workers.SetMaxParallelism(maxParallelism)
}

func (e *Engine) acquireWorkGroup() *workGroup {
	return e.workGroups.Get().(*workGroup)
}

func (e *Engine) releaseWorkGroup(wg *workGroup) {
	e.workGroups.Put(wg)
}

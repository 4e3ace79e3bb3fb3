// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sparsebench measures block-sparse multiplication throughput on this
// machine.
//
// It builds a random tile layout at the requested density, runs the chosen
// multiplication mode over random operands and reports the effective
// throughput, counting only the useful (non-zero block) flops.
//
// Example:
//
//	go run ./cmd/sparsebench -mode=dsd -m=1024 -n=1024 -k=1024 -density=0.25
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/blocksparse/pkg/support/xslices"
	"github.com/gomlx/blocksparse/sparse"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagMode        = flag.String("mode", "dsd", "Multiplication mode: sdd, dsd or dds.")
	flagM           = flag.Int("m", 1024, "Output rows. Must be a multiple of 32.")
	flagN           = flag.Int("n", 1024, "Output columns. Must be a multiple of 32.")
	flagK           = flag.Int("k", 1024, "Reduction dimension. Must be a multiple of 32.")
	flagBatch       = flag.Int("batch", 4, "Batch size.")
	flagDensity     = flag.Float64("density", 0.25, "Fraction of non-zero 32×32 tiles in the sparse operand.")
	flagSteps       = flag.Int("steps", 100, "Timed multiplications to run, after warm-up.")
	flagParallelism = flag.Int("parallelism", -2, "Work-group parallelism: 0 sequential, -1 unlimited, -2 engine default (NumCPU).")
	flagSeed        = flag.Int64("seed", 42, "Random seed for the layout and operands.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	mode := must.M1(sparse.ModeString(strings.ToLower(*flagMode)))
	engine := sparse.New()
	if *flagParallelism != -2 {
		engine.SetMaxParallelism(*flagParallelism)
	}
	rng := rand.New(rand.NewSource(*flagSeed))

	// The layout grid spans the sparse operand of the chosen mode.
	var tileRows, tileCols int
	switch mode {
	case sparse.ModeSDD:
		tileRows, tileCols = *flagM/sparse.TileDim, *flagN/sparse.TileDim
	case sparse.ModeDSD:
		tileRows, tileCols = *flagM/sparse.TileDim, *flagK/sparse.TileDim
	case sparse.ModeDDS:
		tileRows, tileCols = *flagK/sparse.TileDim, *flagN/sparse.TileDim
	}
	if tileRows == 0 || tileCols == 0 {
		fmt.Fprintf(os.Stderr, "dimensions must be multiples of %d and non-zero\n", sparse.TileDim)
		os.Exit(1)
	}
	layout := randomLayout(rng, tileRows, tileCols, *flagDensity)

	a, b := makeOperands(rng, mode, layout)
	flops := effectiveFlops(mode, layout)

	// Warm-up covers pool and work-group allocation.
	out := must.M1(engine.MatMul(a, b, mode, layout, false, false))
	engine.ReleaseBuffer(out)

	bar := progressbar.Default(int64(*flagSteps), "benchmarking")
	start := time.Now()
	for range *flagSteps {
		out = must.M1(engine.MatMul(a, b, mode, layout, false, false))
		engine.ReleaseBuffer(out)
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Finish()

	perCall := elapsed / time.Duration(*flagSteps)
	gflops := float64(flops) / perCall.Seconds() / 1e9
	report(mode, layout, tileRows, tileCols, perCall, gflops)
}

// randomLayout samples tiles at the given density, guaranteeing at least one
// non-zero tile.
func randomLayout(rng *rand.Rand, tileRows, tileCols int, density float64) *sparse.Layout {
	mask := make([][]bool, tileRows)
	numBlocks := 0
	for r := range mask {
		mask[r] = make([]bool, tileCols)
		for c := range mask[r] {
			if rng.Float64() < density {
				mask[r][c] = true
				numBlocks++
			}
		}
	}
	if numBlocks == 0 {
		mask[rng.Intn(tileRows)][rng.Intn(tileCols)] = true
	}
	return sparse.FromMask(mask)
}

// makeOperands builds the two input buffers for the mode, the sparse one in
// block form.
func makeOperands(rng *rand.Rand, mode sparse.Mode, layout *sparse.Layout) (a, b *sparse.Buffer) {
	batch := *flagBatch
	blocks := layout.NumBlocks()
	randomBuffer := func(dims ...int) *sparse.Buffer {
		size := 1
		for _, d := range dims {
			size *= d
		}
		data := make([]float32, size)
		for i := range data {
			data[i] = rng.Float32() - 0.5
		}
		return sparse.FromFlatDataAndDimensions(data, dims...)
	}
	switch mode {
	case sparse.ModeSDD:
		return randomBuffer(batch, *flagM, *flagK), randomBuffer(batch, *flagK, *flagN)
	case sparse.ModeDSD:
		return randomBuffer(batch, blocks, sparse.TileDim, sparse.TileDim), randomBuffer(batch, *flagK, *flagN)
	default: // ModeDDS
		return randomBuffer(batch, *flagM, *flagK), randomBuffer(batch, blocks, sparse.TileDim, sparse.TileDim)
	}
}

// effectiveFlops counts multiply-adds over the non-zero blocks only: each
// block of a sparse operand (or output) participates in 2·1024·D flops,
// where D is the dense dimension it is multiplied against.
func effectiveFlops(mode sparse.Mode, layout *sparse.Layout) int {
	blocks := layout.NumBlocks()
	perBlock := 0
	switch mode {
	case sparse.ModeSDD:
		perBlock = 2 * sparse.TileSize * *flagK
	case sparse.ModeDSD:
		perBlock = 2 * sparse.TileSize * *flagN
	case sparse.ModeDDS:
		perBlock = 2 * sparse.TileSize * *flagM
	}
	return *flagBatch * blocks * perBlock
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Width(14)
	valueStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
)

func report(mode sparse.Mode, layout *sparse.Layout, tileRows, tileCols int, perCall time.Duration, gflops float64) {
	if termenv.ColorProfile() == termenv.Ascii {
		// No color support: plain styles.
		valueStyle = lipgloss.NewStyle()
	}
	density := float64(layout.NumBlocks()) / float64(tileRows*tileCols)
	rows := [][2]string{
		{"mode", mode.String()},
		{"grid", fmt.Sprintf("%d×%d tiles, %s blocks (%.1f%% dense)",
			tileRows, tileCols, humanize.Comma(int64(layout.NumBlocks())), 100*density)},
		{"shape", fmt.Sprintf("batch=%d M=%d N=%d K=%d", *flagBatch, *flagM, *flagN, *flagK)},
		{"per call", perCall.Round(time.Microsecond).String()},
		{"throughput", fmt.Sprintf("%.2f GFLOP/s", gflops)},
	}
	lines := xslices.Map(rows, func(row [2]string) string {
		return labelStyle.Render(row[0]) + valueStyle.Render(row[1])
	})
	fmt.Println(headerStyle.Render("sparsebench results"))
	fmt.Println(strings.Join(lines, "\n"))
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// LogNormalize returns a new snapshot with Norm set to
// log(1 + count/cellTotal*scaleFactor) per entry. The sparsity pattern
// of Counts is preserved; cells with zero total stay all-zero.
func (m *Matrix) LogNormalize(scaleFactor float64) (*Matrix, error) {
	if scaleFactor <= 0 {
		return nil, paramErrorf("scale-factor", "must be > 0, got %g", scaleFactor)
	}
	totals := make([]float64, len(m.Cells))
	m.Counts.DoNonZero(func(i, _ int, v float64) {
		totals[i] += v
	})
	dok := sparse.NewDOK(len(m.Cells), len(m.Genes))
	m.Counts.DoNonZero(func(i, j int, v float64) {
		if totals[i] > 0 {
			dok.Set(i, j, math.Log1p(v/totals[i]*scaleFactor))
		}
	})
	out := &Matrix{
		Cells:  append([]Cell(nil), m.Cells...),
		Genes:  append([]string(nil), m.Genes...),
		Counts: m.Counts,
		Norm:   dok.ToCSR(),
	}
	return out, nil
}

// ScaleData z-scores the normalized expression of the given features
// across all cells and returns a dense cells×features matrix. A gene
// with zero standard deviation scales to zeros rather than an error.
func (m *Matrix) ScaleData(features []string) (*mat.Dense, error) {
	if m.Norm == nil {
		return nil, dataErrorf("scale", "", "matrix is not normalized")
	}
	cols := make([]int, len(features))
	for k, g := range features {
		j := m.GeneIndex(g)
		if j < 0 {
			return nil, paramErrorf("features", "unknown gene %q", g)
		}
		cols[k] = j
	}
	colOf := make(map[int]int, len(cols))
	for k, j := range cols {
		colOf[j] = k
	}
	n := float64(len(m.Cells))
	sum := make([]float64, len(cols))
	sumsq := make([]float64, len(cols))
	out := mat.NewDense(len(m.Cells), len(cols), nil)
	m.Norm.DoNonZero(func(i, j int, v float64) {
		if k, ok := colOf[j]; ok {
			sum[k] += v
			sumsq[k] += v * v
			out.Set(i, k, v)
		}
	})
	for k := range cols {
		mean := sum[k] / n
		variance := 0.0
		if n > 1 {
			variance = (sumsq[k] - n*mean*mean) / (n - 1)
		}
		std := math.Sqrt(math.Max(variance, 0))
		for i := 0; i < len(m.Cells); i++ {
			if std == 0 {
				out.Set(i, k, 0)
			} else {
				out.Set(i, k, (out.At(i, k)-mean)/std)
			}
		}
	}
	return out, nil
}

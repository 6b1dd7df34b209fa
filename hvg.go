// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"
	"sort"
)

// FindVariableFeatures ranks genes by variance-stabilized dispersion
// and returns the top n symbols. The expected standard deviation of
// each gene is taken from a local linear regression of log10 variance
// on log10 mean; observed values are standardized against it, clipped
// at sqrt(nCells), and genes are ordered by the variance of the
// standardized values. Deterministic: ties break by gene symbol.
func (m *Matrix) FindVariableFeatures(n int) ([]string, error) {
	if n <= 0 {
		return nil, paramErrorf("n-features", "must be > 0, got %d", n)
	}
	ncells := float64(len(m.Cells))
	if ncells < 3 {
		return nil, dataErrorf("hvg", "", "need at least 3 cells, have %d", len(m.Cells))
	}
	sum := make([]float64, len(m.Genes))
	sumsq := make([]float64, len(m.Genes))
	m.Counts.DoNonZero(func(_, j int, v float64) {
		sum[j] += v
		sumsq[j] += v * v
	})
	mean := make([]float64, len(m.Genes))
	variance := make([]float64, len(m.Genes))
	var fitIdx []int
	for j := range m.Genes {
		mean[j] = sum[j] / ncells
		variance[j] = (sumsq[j] - ncells*mean[j]*mean[j]) / (ncells - 1)
		if variance[j] > 0 && mean[j] > 0 {
			fitIdx = append(fitIdx, j)
		}
	}
	if len(fitIdx) == 0 {
		return nil, dataErrorf("hvg", "", "no gene has positive variance")
	}

	xs := make([]float64, len(fitIdx))
	ys := make([]float64, len(fitIdx))
	for k, j := range fitIdx {
		xs[k] = math.Log10(mean[j])
		ys[k] = math.Log10(variance[j])
	}
	fitted := loess(xs, ys, 0.3)

	// Standardized variance: z-score each raw count against the
	// trend-expected sd, clip at sqrt(ncells), take the variance of
	// the clipped values. Zero entries contribute analytically.
	expSD := make([]float64, len(m.Genes))
	for k, j := range fitIdx {
		expSD[j] = math.Sqrt(math.Pow(10, fitted[k]))
	}
	clipMax := math.Sqrt(ncells)
	nnz := make([]float64, len(m.Genes))
	sumz := make([]float64, len(m.Genes))
	sumzsq := make([]float64, len(m.Genes))
	m.Counts.DoNonZero(func(_, j int, v float64) {
		if expSD[j] == 0 {
			return
		}
		z := (v - mean[j]) / expSD[j]
		if z > clipMax {
			z = clipMax
		} else if z < -clipMax {
			z = -clipMax
		}
		nnz[j]++
		sumz[j] += z
		sumzsq[j] += z * z
	})
	stdVar := make([]float64, len(m.Genes))
	for _, j := range fitIdx {
		z0 := -mean[j] / expSD[j]
		if z0 < -clipMax {
			z0 = -clipMax
		}
		nzero := ncells - nnz[j]
		s := sumz[j] + nzero*z0
		ssq := sumzsq[j] + nzero*z0*z0
		mu := s / ncells
		stdVar[j] = (ssq - ncells*mu*mu) / (ncells - 1)
	}

	order := append([]int(nil), fitIdx...)
	sort.Slice(order, func(a, b int) bool {
		ja, jb := order[a], order[b]
		if stdVar[ja] != stdVar[jb] {
			return stdVar[ja] > stdVar[jb]
		}
		return m.Genes[ja] < m.Genes[jb]
	})
	if n > len(order) {
		n = len(order)
	}
	top := make([]string, n)
	for i := 0; i < n; i++ {
		top[i] = m.Genes[order[i]]
	}
	return top, nil
}

// loess fits y~x by tricube-weighted local linear regression with the
// given span and returns the fitted value at each x.
func loess(xs, ys []float64, span float64) []float64 {
	n := len(xs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return xs[order[a]] < xs[order[b]] })
	window := int(math.Ceil(span * float64(n)))
	if window < 2 {
		window = 2
	}
	if window > n {
		window = n
	}
	fitted := make([]float64, n)
	for rank, i := range order {
		// slide the window of nearest neighbors around rank
		lo, hi := rank, rank
		for hi-lo+1 < window {
			if lo == 0 {
				hi++
			} else if hi == n-1 {
				lo--
			} else if xs[i]-xs[order[lo-1]] <= xs[order[hi+1]]-xs[i] {
				lo--
			} else {
				hi++
			}
		}
		dmax := math.Max(xs[i]-xs[order[lo]], xs[order[hi]]-xs[i])
		var sw, swx, swy, swxx, swxy float64
		for k := lo; k <= hi; k++ {
			j := order[k]
			w := 1.0
			if dmax > 0 {
				d := math.Abs(xs[j]-xs[i]) / dmax
				w = math.Pow(1-d*d*d, 3)
				if w < 0 {
					w = 0
				}
			}
			sw += w
			swx += w * xs[j]
			swy += w * ys[j]
			swxx += w * xs[j] * xs[j]
			swxy += w * xs[j] * ys[j]
		}
		den := sw*swxx - swx*swx
		if den == 0 || sw == 0 {
			fitted[i] = swy / math.Max(sw, 1)
			continue
		}
		beta := (sw*swxy - swx*swy) / den
		alpha := (swy - beta*swx) / sw
		fitted[i] = alpha + beta*xs[i]
	}
	return fitted
}

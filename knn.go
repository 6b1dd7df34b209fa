// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// knnSearch finds the k nearest neighbors of every row of coords using
// euclidean distance over the first dims columns, excluding the row
// itself. Exact search keeps the result order-deterministic: distance
// ties break by ascending row index.
func knnSearch(coords *mat.Dense, dims, k int) ([][]int, [][]float64, error) {
	n, c := coords.Dims()
	if dims <= 0 || dims > c {
		return nil, nil, paramErrorf("dims", "must be in [1,%d], got %d", c, dims)
	}
	if k <= 0 || k >= n {
		return nil, nil, paramErrorf("k", "must be in [1,%d) for %d points, got %d", n, n, k)
	}
	idx := make([][]int, n)
	dist := make([][]float64, n)
	type cand struct {
		j int
		d float64
	}
	for i := 0; i < n; i++ {
		cands := make([]cand, 0, n-1)
		ri := coords.RawRowView(i)[:dims]
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			rj := coords.RawRowView(j)[:dims]
			d := 0.0
			for t := 0; t < dims; t++ {
				diff := ri[t] - rj[t]
				d += diff * diff
			}
			cands = append(cands, cand{j, d})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].d != cands[b].d {
				return cands[a].d < cands[b].d
			}
			return cands[a].j < cands[b].j
		})
		idx[i] = make([]int, k)
		dist[i] = make([]float64, k)
		for t := 0; t < k; t++ {
			idx[i][t] = cands[t].j
			dist[i][t] = math.Sqrt(cands[t].d)
		}
	}
	return idx, dist, nil
}

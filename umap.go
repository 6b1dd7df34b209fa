// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// umapEdge is one symmetrized fuzzy-graph edge.
type umapEdge struct {
	a, b int
	w    float64
}

// RunUMAP computes a 2D layout of the cells that preserves local
// neighborhood structure of the principal-component embedding: a fuzzy
// k-neighbor graph with smooth bandwidths, then a seeded stochastic
// gradient layout with negative sampling. Identical inputs and seed
// give an identical layout.
func (m *Matrix) RunUMAP(dims, nNeighbors int, minDist float64, seed uint64) (*mat.Dense, error) {
	if m.PCA == nil {
		return nil, dataErrorf("umap", "", "no principal-component embedding; run pca first")
	}
	if minDist <= 0 {
		return nil, paramErrorf("min-dist", "must be > 0, got %g", minDist)
	}
	n := len(m.Cells)
	if nNeighbors >= n {
		nNeighbors = n - 1
	}
	if nNeighbors < 2 {
		return nil, degeneracyErrorf("umap", "", "%d cells is too few for a %d-neighbor graph", n, nNeighbors)
	}
	idx, dist, err := knnSearch(m.PCA, dims, nNeighbors)
	if err != nil {
		return nil, err
	}
	edges := fuzzyGraph(idx, dist)
	a, b := fitABParams(minDist)
	log.WithFields(log.Fields{"cells": n, "edges": len(edges), "a": a, "b": b}).Info("umap layout")

	// deterministic init from the first two principal components,
	// rescaled to a +-10 box
	coords := mat.NewDense(n, 2, nil)
	for d := 0; d < 2; d++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := 0; i < n; i++ {
			v := m.PCA.At(i, d)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		if span == 0 {
			span = 1
		}
		for i := 0; i < n; i++ {
			coords.Set(i, d, 20*(m.PCA.At(i, d)-lo)/span-10)
		}
	}

	const nEpochs = 200
	const nNegative = 5
	maxW := 0.0
	for _, e := range edges {
		maxW = math.Max(maxW, e.w)
	}
	rng := rand.New(rand.NewSource(seed))
	for epoch := 0; epoch < nEpochs; epoch++ {
		alpha := 1 - float64(epoch)/nEpochs
		for _, e := range edges {
			if rng.Float64() > e.w/maxW {
				continue
			}
			yi := coords.RawRowView(e.a)
			yj := coords.RawRowView(e.b)
			d2 := sq(yi[0]-yj[0]) + sq(yi[1]-yj[1])
			if d2 > 0 {
				grad := -2 * a * b * math.Pow(d2, b-1) / (1 + a*math.Pow(d2, b))
				for d := 0; d < 2; d++ {
					g := clip4(grad * (yi[d] - yj[d]))
					yi[d] += alpha * g
					yj[d] -= alpha * g
				}
			}
			for t := 0; t < nNegative; t++ {
				k := rng.Intn(n)
				if k == e.a {
					continue
				}
				yk := coords.RawRowView(k)
				d2 := sq(yi[0]-yk[0]) + sq(yi[1]-yk[1])
				grad := 2 * b / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
				for d := 0; d < 2; d++ {
					yi[d] += alpha * clip4(grad*(yi[d]-yk[d]))
				}
			}
		}
	}
	return coords, nil
}

func sq(x float64) float64 { return x * x }

func clip4(x float64) float64 {
	if x > 4 {
		return 4
	}
	if x < -4 {
		return -4
	}
	return x
}

// fuzzyGraph converts kNN distances into symmetrized membership
// weights: per-cell bandwidths are calibrated so the effective
// neighborhood size is log2(k), then directed memberships are combined
// with the probabilistic union w = u + v - u·v.
func fuzzyGraph(idx [][]int, dist [][]float64) []umapEdge {
	n := len(idx)
	k := len(idx[0])
	target := math.Log2(float64(k))
	directed := make([]map[int]float64, n)
	for i := 0; i < n; i++ {
		rho := dist[i][0]
		sigma := smoothKNNDist(dist[i], rho, target)
		directed[i] = make(map[int]float64, k)
		for t, j := range idx[i] {
			d := dist[i][t] - rho
			if d <= 0 || sigma == 0 {
				directed[i][j] = 1
			} else {
				directed[i][j] = math.Exp(-d / sigma)
			}
		}
	}
	var edges []umapEdge
	for i := 0; i < n; i++ {
		for j, u := range directed[i] {
			if j < i {
				if _, back := directed[j][i]; back {
					continue // handled from the other side
				}
			}
			v := directed[j][i]
			edges = append(edges, umapEdge{a: i, b: j, w: u + v - u*v})
		}
	}
	// map iteration above is unordered; the SGD consumes edges in
	// slice order, so fix it
	sort.Slice(edges, func(x, y int) bool {
		if edges[x].a != edges[y].a {
			return edges[x].a < edges[y].a
		}
		return edges[x].b < edges[y].b
	})
	return edges
}

// smoothKNNDist binary-searches the bandwidth sigma so that the sum of
// memberships equals the target.
func smoothKNNDist(dists []float64, rho, target float64) float64 {
	lo, hi := 0.0, math.Inf(1)
	sigma := 1.0
	for iter := 0; iter < 64; iter++ {
		sum := 0.0
		for _, d := range dists {
			if d <= rho {
				sum++
			} else {
				sum += math.Exp(-(d - rho) / sigma)
			}
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = sigma
			sigma = (lo + hi) / 2
		} else {
			lo = sigma
			if math.IsInf(hi, 1) {
				sigma *= 2
			} else {
				sigma = (lo + hi) / 2
			}
		}
	}
	return sigma
}

// fitABParams grid-fits the layout curve 1/(1+a·d^(2b)) to a target
// membership that is 1 inside minDist and decays exponentially beyond.
func fitABParams(minDist float64) (float64, float64) {
	bestA, bestB, bestErr := 1.0, 1.0, math.Inf(1)
	for b := 0.5; b <= 1.5; b += 0.01 {
		for a := 0.1; a <= 3.0; a += 0.01 {
			sse := 0.0
			for t := 1; t <= 300; t++ {
				d := float64(t) / 100
				target := 1.0
				if d > minDist {
					target = math.Exp(-(d - minDist))
				}
				fit := 1 / (1 + a*math.Pow(d, 2*b))
				sse += sq(fit - target)
			}
			if sse < bestErr {
				bestA, bestB, bestErr = a, b, sse
			}
		}
	}
	return bestA, bestB
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// snnGraph is an undirected weighted graph over cells. Edges are
// stored in both directions as slices so every weight sum runs in a
// fixed order; map adjacency would let iteration order perturb float
// accumulation and break seeded reruns on tied modularity gains. Self
// loops appear only during Louvain aggregation.
type snnGraph struct {
	adj   [][]snnEdge
	self  []float64
	total float64 // 2m: sum of all degrees including self loops
}

type snnEdge struct {
	to int
	w  float64
}

func newSNNGraphN(n int) *snnGraph {
	return &snnGraph{adj: make([][]snnEdge, n), self: make([]float64, n)}
}

// addEdge appends one undirected edge. Callers must add each pair at
// most once, with its final weight, in a deterministic order.
func (g *snnGraph) addEdge(i, j int, w float64) {
	g.adj[i] = append(g.adj[i], snnEdge{j, w})
	g.adj[j] = append(g.adj[j], snnEdge{i, w})
	g.total += 2 * w
}

func (g *snnGraph) degree(i int) float64 {
	d := 2 * g.self[i]
	for _, e := range g.adj[i] {
		d += e.w
	}
	return d
}

// buildSNNGraph builds a shared-nearest-neighbor graph over the first
// dims columns of coords: the edge weight between two cells is the
// Jaccard overlap of their k-neighborhoods (self included), pruned
// below 1/15.
func buildSNNGraph(coords *mat.Dense, dims, k int) (*snnGraph, error) {
	const prune = 1.0 / 15
	idx, _, err := knnSearch(coords, dims, k)
	if err != nil {
		return nil, err
	}
	n := len(idx)
	sets := make([]map[int]bool, n)
	for i := range idx {
		sets[i] = make(map[int]bool, k+1)
		sets[i][i] = true
		for _, j := range idx[i] {
			sets[i][j] = true
		}
	}
	pairSet := make(map[[2]int]bool, n*k)
	for i := range idx {
		for _, j := range idx[i] {
			pairSet[[2]int{min(i, j), max(i, j)}] = true
		}
	}
	pairs := make([][2]int, 0, len(pairSet))
	for pair := range pairSet {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	g := newSNNGraphN(n)
	for _, pair := range pairs {
		i, j := pair[0], pair[1]
		shared := 0
		for v := range sets[i] {
			if sets[j][v] {
				shared++
			}
		}
		union := len(sets[i]) + len(sets[j]) - shared
		if w := float64(shared) / float64(union); w >= prune {
			g.addEdge(i, j, w)
		}
	}
	return g, nil
}

// louvain partitions the graph by greedy modularity optimization with
// the given resolution. Higher resolution yields more, smaller
// communities. Node visit order is shuffled from the seed, so reruns
// with the same seed give identical partitions.
func louvain(g *snnGraph, resolution float64, seed uint64) []int {
	rng := rand.New(rand.NewSource(seed))
	n := len(g.adj)
	mapping := make([]int, n) // original node -> current-level community
	for i := range mapping {
		mapping[i] = i
	}
	cur := g
	for {
		comm, improved := louvainLevel(cur, resolution, rng)
		if !improved {
			break
		}
		relabel(comm)
		for i := range mapping {
			mapping[i] = comm[mapping[i]]
		}
		next := aggregate(cur, comm)
		if len(next.adj) == len(cur.adj) {
			break
		}
		cur = next
	}
	return relabel(mapping)
}

// louvainLevel runs repeated local-move passes until no node improves.
func louvainLevel(g *snnGraph, resolution float64, rng *rand.Rand) ([]int, bool) {
	n := len(g.adj)
	comm := make([]int, n)
	commTot := make([]float64, n)
	deg := make([]float64, n)
	for i := 0; i < n; i++ {
		comm[i] = i
		deg[i] = g.degree(i)
		commTot[i] = deg[i]
	}
	if g.total == 0 {
		return comm, false
	}
	order := rng.Perm(n)
	improvedEver := false
	for {
		moved := 0
		for _, i := range order {
			old := comm[i]
			commTot[old] -= deg[i]
			// weight from i to each adjacent community; neighbor
			// order is the fixed edge-slice order
			wc := map[int]float64{old: 0}
			for _, e := range g.adj[i] {
				wc[comm[e.to]] += e.w
			}
			best, bestGain := old, wc[old]-resolution*deg[i]*commTot[old]/g.total
			// visit candidate communities in sorted order so equal
			// gains resolve the same way on every run
			cands := make([]int, 0, len(wc))
			for c := range wc {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				if c == old {
					continue
				}
				gain := wc[c] - resolution*deg[i]*commTot[c]/g.total
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}
			comm[i] = best
			commTot[best] += deg[i]
			if best != old {
				moved++
			}
		}
		if moved == 0 {
			break
		}
		improvedEver = true
	}
	return comm, improvedEver
}

// aggregate collapses each community into one node; intra-community
// weight becomes a self loop. comm must already be contiguous from 0.
func aggregate(g *snnGraph, comm []int) *snnGraph {
	ncomm := 0
	for _, c := range comm {
		if c+1 > ncomm {
			ncomm = c + 1
		}
	}
	out := newSNNGraphN(ncomm)
	cross := make([]map[int]float64, ncomm)
	for i := range cross {
		cross[i] = map[int]float64{}
	}
	for i := range g.adj {
		ci := comm[i]
		out.self[ci] += g.self[i]
		for _, e := range g.adj[i] {
			if e.to < i {
				continue
			}
			cj := comm[e.to]
			if ci == cj {
				out.self[ci] += e.w
			} else {
				cross[min(ci, cj)][max(ci, cj)] += e.w
			}
		}
	}
	for lo := range cross {
		his := make([]int, 0, len(cross[lo]))
		for hi := range cross[lo] {
			his = append(his, hi)
		}
		sort.Ints(his)
		for _, hi := range his {
			out.addEdge(lo, hi, cross[lo][hi])
		}
	}
	for _, s := range out.self {
		out.total += 2 * s
	}
	return out
}

// relabel renumbers community ids contiguously from 0 in order of
// first appearance.
func relabel(comm []int) []int {
	next := 0
	seen := map[int]int{}
	for i, c := range comm {
		id, ok := seen[c]
		if !ok {
			id = next
			seen[c] = id
			next++
		}
		comm[i] = id
	}
	return comm
}

// ClusterCells builds the SNN graph over the first dims principal
// components and partitions it, returning a new snapshot with cluster
// ids assigned and the number of clusters found. Cluster ids carry no
// meaning across reruns unless the seed is fixed.
func (m *Matrix) ClusterCells(dims, k int, resolution float64, seed uint64) (*Matrix, int, error) {
	if resolution <= 0 {
		return nil, 0, paramErrorf("resolution", "must be > 0, got %g", resolution)
	}
	if m.PCA == nil {
		return nil, 0, dataErrorf("cluster", "", "no principal-component embedding; run pca first")
	}
	g, err := buildSNNGraph(m.PCA, dims, k)
	if err != nil {
		return nil, 0, err
	}
	comm := louvain(g, resolution, seed)
	out := &Matrix{
		Cells:            append([]Cell(nil), m.Cells...),
		Genes:            m.Genes,
		Counts:           m.Counts,
		Norm:             m.Norm,
		VariableFeatures: m.VariableFeatures,
		PCA:              m.PCA,
		UMAP:             m.UMAP,
	}
	nclust := 0
	for i := range out.Cells {
		out.Cells[i].Cluster = comm[i]
		if comm[i]+1 > nclust {
			nclust = comm[i] + 1
		}
	}
	log.WithFields(log.Fields{"cells": len(m.Cells), "clusters": nclust, "resolution": resolution}).Info("clustered")
	return out, nclust, nil
}

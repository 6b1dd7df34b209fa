// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"
	"runtime"
	"sort"

	"github.com/james-bowman/sparse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// minSweepCells is the smallest cohort the parameter sweep accepts:
// below this the neighborhoods at the low end of the pK grid are empty
// or single-cell and the BC metric is meaningless.
const minSweepCells = 50

// doubletDetector classifies each cell of one cohort as Singlet or
// Doublet by simulating synthetic doublets, sweeping the neighborhood
// smoothing parameter pK, and ranking cells by the proportion of
// artificial nearest neighbors (pANN). Classification is a fixed-count
// cut at the adjusted expected doublet number, not a p-value cutoff.
type doubletDetector struct {
	PN          float64 // pooling fraction of synthetic doublets
	DoubletRate float64
	NFeatures   int
	NComponents int
	ScaleFactor float64
	Seed        uint64
}

func defaultDoubletDetector(seed uint64) doubletDetector {
	return doubletDetector{
		PN:          0.25,
		DoubletRate: 0.05,
		NFeatures:   2000,
		NComponents: 10,
		ScaleFactor: 1e4,
		Seed:        seed,
	}
}

func (dd *doubletDetector) valid() error {
	if dd.PN <= 0 || dd.PN >= 1 {
		return paramErrorf("pN", "must be in (0,1), got %g", dd.PN)
	}
	if dd.DoubletRate <= 0 || dd.DoubletRate >= 1 {
		return paramErrorf("doublet-rate", "must be in (0,1), got %g", dd.DoubletRate)
	}
	return nil
}

// DoubletAudit is the required per-cohort audit record.
type DoubletAudit struct {
	Cohort       string
	Cells        int
	BestPK       float64
	BCMetric     float64
	Homotypic    float64
	NExp         int
	NExpAdjusted int
	Doublets     int
	Singlets     int
}

// pkGrid returns the swept pK candidates: log-spaced in (0, 0.3].
func pkGrid() []float64 {
	grid := make([]float64, 0, 24)
	for i := 0; i < 24; i++ {
		// 0.005 .. 0.3
		grid = append(grid, 0.005*math.Pow(0.3/0.005, float64(i)/23))
	}
	return grid
}

// Detect runs the full state machine for one cohort. The matrix must
// already carry a reference cluster partition (used only for the
// homotypic estimate). It returns a new snapshot with every cell's
// Doublet field set, plus the audit record.
func (dd *doubletDetector) Detect(m *Matrix, cohort string) (*Matrix, DoubletAudit, error) {
	audit := DoubletAudit{Cohort: cohort, Cells: m.NCells()}
	if err := dd.valid(); err != nil {
		return nil, audit, err
	}
	n := m.NCells()
	if n < minSweepCells {
		return nil, audit, degeneracyErrorf("doublet", cohort, "%d cells is below the minimum viable sweep size %d", n, minSweepCells)
	}
	for i := range m.Cells {
		if m.Cells[i].Cluster < 0 {
			return nil, audit, dataErrorf("doublet", cohort, "cell %s has no reference cluster; cluster the cohort first", m.Cells[i].Barcode)
		}
	}

	// Simulate synthetic doublets by averaging randomly paired real
	// cells' count profiles and merge them after the real cells.
	rng := rand.New(rand.NewSource(dd.Seed))
	nDoublets := int(math.Round(float64(n) * dd.PN / (1 - dd.PN)))
	merged := dd.simulate(m, nDoublets, rng)
	nMerged := n + nDoublets

	norm, err := merged.LogNormalize(dd.ScaleFactor)
	if err != nil {
		return nil, audit, err
	}
	nfeat := dd.NFeatures
	if nfeat > norm.NGenes() {
		nfeat = norm.NGenes()
	}
	hvg, err := norm.FindVariableFeatures(nfeat)
	if err != nil {
		return nil, audit, err
	}
	ncomp := dd.NComponents
	if ncomp > len(hvg) {
		ncomp = len(hvg)
	}
	pca, err := norm.RunPCA(hvg, ncomp)
	if err != nil {
		return nil, audit, err
	}

	grid := pkGrid()
	maxK := int(math.Round(grid[len(grid)-1] * float64(nMerged)))
	if maxK < 1 {
		return nil, audit, degeneracyErrorf("doublet", cohort, "pK grid yields empty neighborhoods for %d merged cells", nMerged)
	}
	flags, err := syntheticNeighborFlags(pca, n, maxK)
	if err != nil {
		return nil, audit, err
	}

	// Sweep pK in parallel; results are collected by index, so the
	// outcome does not depend on completion order.
	type sweepResult struct {
		pK   float64
		bc   float64
		pANN []float64
	}
	results := make([]sweepResult, len(grid))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for gi, pk := range grid {
		gi, pk := gi, pk
		g.Go(func() error {
			k := int(math.Round(pk * float64(nMerged)))
			if k < 1 {
				k = 1
			}
			if k > maxK {
				k = maxK
			}
			pANN := make([]float64, n)
			for i := 0; i < n; i++ {
				syn := 0
				for t := 0; t < k; t++ {
					if flags[i][t] {
						syn++
					}
				}
				pANN[i] = float64(syn) / float64(k)
			}
			results[gi] = sweepResult{pK: pk, bc: bimodality(pANN), pANN: pANN}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, audit, err
	}

	// First maximum in ascending pK order wins.
	best := 0
	for gi := 1; gi < len(results); gi++ {
		if results[gi].bc > results[best].bc {
			best = gi
		}
	}
	audit.BestPK = results[best].pK
	audit.BCMetric = results[best].bc
	pANN := results[best].pANN

	audit.Homotypic = homotypicProportion(m)
	audit.NExp = expectedDoublets(n, dd.DoubletRate)
	audit.NExpAdjusted = int(math.Round(float64(audit.NExp) * (1 - audit.Homotypic)))

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if pANN[order[a]] != pANN[order[b]] {
			return pANN[order[a]] > pANN[order[b]]
		}
		return order[a] < order[b]
	})
	out := &Matrix{
		Cells:            append([]Cell(nil), m.Cells...),
		Genes:            m.Genes,
		Counts:           m.Counts,
		Norm:             m.Norm,
		VariableFeatures: m.VariableFeatures,
		PCA:              m.PCA,
		UMAP:             m.UMAP,
	}
	for i := range out.Cells {
		out.Cells[i].Doublet = "Singlet"
	}
	for _, i := range order[:audit.NExpAdjusted] {
		out.Cells[i].Doublet = "Doublet"
	}
	audit.Doublets = audit.NExpAdjusted
	audit.Singlets = n - audit.Doublets
	log.WithFields(log.Fields{
		"cohort": cohort, "cells": n, "pK": audit.BestPK,
		"nExp": audit.NExp, "nExpAdj": audit.NExpAdjusted,
	}).Info("doublet detection")
	return out, audit, nil
}

// simulate builds the merged real+synthetic count matrix. Synthetic
// cells average two distinct, randomly drawn real cells.
func (dd *doubletDetector) simulate(m *Matrix, nDoublets int, rng *rand.Rand) *Matrix {
	n := m.NCells()
	cells := append([]Cell(nil), m.Cells...)
	dok := sparse.NewDOK(n+nDoublets, len(m.Genes))
	m.Counts.DoNonZero(func(i, j int, v float64) {
		dok.Set(i, j, v)
	})
	for d := 0; d < nDoublets; d++ {
		i := rng.Intn(n)
		j := rng.Intn(n)
		for j == i {
			j = rng.Intn(n)
		}
		row := n + d
		m.Counts.DoRowNonZero(i, func(_, col int, v float64) {
			dok.Set(row, col, dok.At(row, col)+v/2)
		})
		m.Counts.DoRowNonZero(j, func(_, col int, v float64) {
			dok.Set(row, col, dok.At(row, col)+v/2)
		})
		cells = append(cells, Cell{Barcode: "synthetic", Cluster: -1})
	}
	return &Matrix{Cells: cells, Genes: m.Genes, Counts: dok.ToCSR()}
}

// syntheticNeighborFlags returns, for each real cell, whether each of
// its maxK nearest merged-embedding neighbors is synthetic. Rows with
// index >= nReal are the synthetic cells.
func syntheticNeighborFlags(pca *mat.Dense, nReal, maxK int) ([][]bool, error) {
	nMerged, dims := pca.Dims()
	if maxK >= nMerged {
		maxK = nMerged - 1
	}
	flags := make([][]bool, nReal)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < nReal; i++ {
		i := i
		g.Go(func() error {
			type cand struct {
				j int
				d float64
			}
			cands := make([]cand, 0, nMerged-1)
			ri := pca.RawRowView(i)[:dims]
			for j := 0; j < nMerged; j++ {
				if j == i {
					continue
				}
				rj := pca.RawRowView(j)[:dims]
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
			row := make([]bool, maxK)
			for t := 0; t < maxK; t++ {
				row[t] = cands[t].j >= nReal
			}
			flags[i] = row
			return nil
		})
	}
	return flags, g.Wait()
}

// bimodality computes the bimodality coefficient of x:
// (skew²+1) / (exkurt + 3(n-1)²/((n-2)(n-3))).
func bimodality(x []float64) float64 {
	n := float64(len(x))
	if n < 4 {
		return 0
	}
	skew := stat.Skew(x, nil)
	kurt := stat.ExKurtosis(x, nil)
	if math.IsNaN(skew) || math.IsNaN(kurt) {
		return 0
	}
	den := kurt + 3*(n-1)*(n-1)/((n-2)*(n-3))
	if den == 0 {
		return 0
	}
	return (skew*skew + 1) / den
}

// expectedDoublets is the raw expected doublet count for a cohort of n
// cells, before homotypic adjustment.
func expectedDoublets(n int, rate float64) int {
	return int(math.Round(float64(n) * rate))
}

// homotypicProportion estimates the share of doublets formed from two
// cells of the same reference cluster: the sum of squared cluster
// fractions.
func homotypicProportion(m *Matrix) float64 {
	counts := map[int]int{}
	for i := range m.Cells {
		counts[m.Cells[i].Cluster]++
	}
	n := float64(len(m.Cells))
	sum := 0.0
	for _, c := range counts {
		f := float64(c) / n
		sum += f * f
	}
	return sum
}

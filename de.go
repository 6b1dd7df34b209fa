// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"io"
	stdlog "log"
	"math"
	"sort"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// DEResult is one gene's differential-expression record for one
// comparison. Fold change is log2 of group1 over group2 means with a
// pseudocount, so it is always finite.
type DEResult struct {
	Gene      string
	AvgLog2FC float64
	Pct1      float64
	Pct2      float64
	PValue    float64
	PValueAdj float64
}

// deOptions configures CompareGroups. Test is "wilcox" (rank-sum,
// default) or "logreg" (logistic-regression likelihood ratio);
// Correction is "bonferroni" (default) or "BH".
type deOptions struct {
	MinPct         float64
	LogFCThreshold float64
	Test           string
	Correction     string
}

func defaultDEOptions() deOptions {
	return deOptions{MinPct: 0.1, LogFCThreshold: 0.25, Test: "wilcox", Correction: "bonferroni"}
}

func (o *deOptions) valid() error {
	if o.MinPct < 0 || o.MinPct > 1 {
		return paramErrorf("min-pct", "must be in [0,1], got %g", o.MinPct)
	}
	if o.LogFCThreshold < 0 {
		return paramErrorf("logfc-threshold", "must be ≥ 0, got %g", o.LogFCThreshold)
	}
	if o.Test != "wilcox" && o.Test != "logreg" {
		return paramErrorf("test", "unknown test %q", o.Test)
	}
	if o.Correction != "bonferroni" && o.Correction != "BH" {
		return paramErrorf("correction", "unknown correction %q", o.Correction)
	}
	return nil
}

// CompareGroups computes per-gene differential expression between two
// disjoint cell groups. Genes expressed below MinPct in both groups,
// or with |avg_log2FC| below LogFCThreshold, are skipped before any
// test runs. P-values are corrected across the tested genes; the
// correction never decreases significance.
func (m *Matrix) CompareGroups(group1, group2 []int, opt deOptions) ([]DEResult, error) {
	if err := opt.valid(); err != nil {
		return nil, err
	}
	if m.Norm == nil {
		return nil, dataErrorf("de", "", "matrix is not normalized")
	}
	if len(group1) == 0 || len(group2) == 0 {
		return nil, dataErrorf("de", "", "empty comparison group (%d vs %d cells)", len(group1), len(group2))
	}
	member := make([]int8, len(m.Cells))
	for _, i := range group1 {
		member[i] = 1
	}
	for _, i := range group2 {
		if member[i] == 1 {
			return nil, dataErrorf("de", "", "cell %s is in both comparison groups", m.Cells[i].Barcode)
		}
		member[i] = 2
	}

	n1, n2 := len(group1), len(group2)
	vals1 := make([][]float64, len(m.Genes))
	vals2 := make([][]float64, len(m.Genes))
	m.Norm.DoNonZero(func(i, j int, v float64) {
		switch member[i] {
		case 1:
			vals1[j] = append(vals1[j], v)
		case 2:
			vals2[j] = append(vals2[j], v)
		}
	})

	const pseudocount = 1
	var tested []DEResult
	var testedIdx []int
	for j := range m.Genes {
		pct1 := float64(len(vals1[j])) / float64(n1)
		pct2 := float64(len(vals2[j])) / float64(n2)
		if pct1 < opt.MinPct && pct2 < opt.MinPct {
			continue
		}
		fc := math.Log2(meanExpm1(vals1[j], n1)+pseudocount) - math.Log2(meanExpm1(vals2[j], n2)+pseudocount)
		if math.Abs(fc) < opt.LogFCThreshold {
			continue
		}
		tested = append(tested, DEResult{Gene: m.Genes[j], AvgLog2FC: fc, Pct1: pct1, Pct2: pct2})
		testedIdx = append(testedIdx, j)
	}

	for t := range tested {
		j := testedIdx[t]
		if opt.Test == "wilcox" {
			tested[t].PValue = wilcoxonRankSum(vals1[j], n1, vals2[j], n2)
		} else {
			tested[t].PValue = logisticLRT(vals1[j], vals2[j], n1, n2)
		}
	}

	pvals := make([]float64, len(tested))
	for t := range tested {
		pvals[t] = tested[t].PValue
	}
	var adj []float64
	if opt.Correction == "BH" {
		adj = benjaminiHochberg(pvals)
	} else {
		adj = bonferroni(pvals)
	}
	for t := range tested {
		tested[t].PValueAdj = adj[t]
	}
	sort.Slice(tested, func(a, b int) bool {
		if tested[a].PValue != tested[b].PValue {
			return tested[a].PValue < tested[b].PValue
		}
		if fa, fb := math.Abs(tested[a].AvgLog2FC), math.Abs(tested[b].AvgLog2FC); fa != fb {
			return fa > fb
		}
		return tested[a].Gene < tested[b].Gene
	})
	log.WithFields(log.Fields{"group1": n1, "group2": n2, "tested": len(tested)}).Info("differential expression")
	return tested, nil
}

// CompareGroupsBy loops the CompareGroups contract over each value of
// labelOf, comparing in1 cells against in2 cells within that label.
// Labels whose comparison is statistically degenerate (an empty group)
// are skipped and reported in the returned skip map.
func (m *Matrix) CompareGroupsBy(labelOf func(*Cell) string, in1, in2 func(*Cell) bool, opt deOptions) (map[string][]DEResult, map[string]string, error) {
	if err := opt.valid(); err != nil {
		return nil, nil, err
	}
	labels := map[string]bool{}
	for i := range m.Cells {
		labels[labelOf(&m.Cells[i])] = true
	}
	out := map[string][]DEResult{}
	skipped := map[string]string{}
	for label := range labels {
		label := label
		g1 := m.CellsWhere(func(c *Cell) bool { return labelOf(c) == label && in1(c) })
		g2 := m.CellsWhere(func(c *Cell) bool { return labelOf(c) == label && in2(c) })
		if len(g1) == 0 || len(g2) == 0 {
			skipped[label] = degeneracyErrorf("de", "", "label %q has %d vs %d cells", label, len(g1), len(g2)).Error()
			continue
		}
		res, err := m.CompareGroups(g1, g2, opt)
		if err != nil {
			return nil, nil, err
		}
		out[label] = res
	}
	return out, skipped, nil
}

// meanExpm1 is the mean of expm1 over all n cells of a group given its
// nonzero normalized values.
func meanExpm1(vals []float64, n int) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += math.Expm1(v)
	}
	return sum / float64(n)
}

// wilcoxonRankSum is the two-sided Wilcoxon rank-sum (Mann-Whitney U)
// test on the normalized expression of two groups, zeros included.
// Normal approximation with tie correction and continuity correction.
func wilcoxonRankSum(vals1 []float64, n1 int, vals2 []float64, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type entry struct {
		val   float64
		group int8
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{v, 1})
	}
	for i := len(vals1); i < n1; i++ {
		combined = append(combined, entry{0, 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{v, 2})
	}
	for i := len(vals2); i < n2; i++ {
		combined = append(combined, entry{0, 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	ntot := len(combined)
	r1 := 0.0
	tieSum := 0.0
	for i := 0; i < ntot; {
		j := i
		for j < ntot && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if combined[k].group == 1 {
				r1 += avgRank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	f1, f2, ftot := float64(n1), float64(n2), float64(ntot)
	u1 := r1 - f1*(f1+1)/2
	u := math.Min(u1, f1*f2-u1)
	mu := f1 * f2 / 2
	sigma := math.Sqrt(f1 * f2 * ((ftot + 1) - tieSum/(ftot*(ftot-1))) / 12)
	if sigma < 1e-12 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	return 2 * distuv.UnitNormal.CDF(-math.Abs(z))
}

var deGLMConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// logisticLRT regresses group membership on a gene's expression and
// compares against the intercept-only model with a 1-df chi-squared
// likelihood ratio test. A singular or otherwise degenerate fit
// reports p=1 so multiple-testing correction stays well defined.
func logisticLRT(vals1, vals2 []float64, n1, n2 int) (p float64) {
	defer func() {
		if recover() != nil {
			// typically a singular design matrix
			p = 1
		}
	}()
	ntot := n1 + n2
	outcome := make([]statmodel.Dtype, 0, ntot)
	constants := make([]statmodel.Dtype, 0, ntot)
	expr := make([]statmodel.Dtype, 0, ntot)
	appendGroup := func(vals []float64, n int, y statmodel.Dtype) {
		for _, v := range vals {
			outcome = append(outcome, y)
			constants = append(constants, 1)
			expr = append(expr, statmodel.Dtype(v))
		}
		for i := len(vals); i < n; i++ {
			outcome = append(outcome, y)
			constants = append(constants, 1)
			expr = append(expr, 0)
		}
	}
	appendGroup(vals1, n1, 1)
	appendGroup(vals2, n2, 0)

	null := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants}, []string{"outcome", "constants"})
	nullModel, err := glm.NewGLM(null, "outcome", []string{"constants"}, deGLMConfig)
	if err != nil {
		return 1
	}
	logNull := nullModel.Fit().LogLike()

	full := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants, expr}, []string{"outcome", "constants", "expr"})
	fullModel, err := glm.NewGLM(full, "outcome", []string{"constants", "expr"}, deGLMConfig)
	if err != nil {
		return 1
	}
	logFull := fullModel.Fit().LogLike()
	stat := -2 * (logNull - logFull)
	if math.IsNaN(stat) || stat < 0 {
		return 1
	}
	dist := distuv.ChiSquared{K: 1}
	return dist.Survival(stat)
}

// bonferroni multiplies each p-value by the number of tests, capped at
// 1, so adjusted values never drop below the raw ones.
func bonferroni(pvals []float64) []float64 {
	n := float64(len(pvals))
	adj := make([]float64, len(pvals))
	for i, p := range pvals {
		adj[i] = math.Min(1, p*n)
	}
	return adj
}

// benjaminiHochberg computes step-up FDR-adjusted p-values.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })
	adj := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		p := pvals[idx[i]] * float64(n) / float64(i+1)
		if p > 1 {
			p = 1
		}
		if p < minP {
			minP = p
		} else {
			p = minP
		}
		adj[idx[i]] = p
	}
	return adj
}

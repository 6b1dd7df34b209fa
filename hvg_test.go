// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"

	"gopkg.in/check.v1"
)

type hvgSuite struct{}

var _ = check.Suite(&hvgSuite{})

// dispersedCounts builds a cells×genes table whose gene means spread
// across a range with near-constant variance, except gene hot: its
// counts alternate between 0 and 20, so its variance stands far above
// the mean-variance trend at its mean.
func dispersedCounts(ncells, ngenes, hot int) [][]float64 {
	counts := make([][]float64, ncells)
	for i := range counts {
		row := make([]float64, ngenes)
		for j := range row {
			row[j] = float64(j%20+2) + float64(i%2)
		}
		if i%2 == 0 {
			row[hot] = 20
		} else {
			row[hot] = 0
		}
		counts[i] = row
	}
	return counts
}

func (s *hvgSuite) TestFindVariableFeatures(c *check.C) {
	genes := make([]string, 20)
	for j := range genes {
		genes[j] = string(rune('a'+j)) + "gene"
	}
	m := testMatrix(c, genes, dispersedCounts(100, 20, 7), "WT", 1)
	top, err := m.FindVariableFeatures(5)
	c.Assert(err, check.IsNil)
	c.Check(top, check.HasLen, 5)
	c.Check(top[0], check.Equals, genes[7])

	// deterministic: same input, same ranking
	again, err := m.FindVariableFeatures(5)
	c.Assert(err, check.IsNil)
	c.Check(again, check.DeepEquals, top)
}

func (s *hvgSuite) TestFindVariableFeaturesCapped(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2", "g3"}, [][]float64{
		{1, 9, 2},
		{5, 1, 2},
		{9, 5, 3},
	}, "WT", 1)
	top, err := m.FindVariableFeatures(100)
	c.Assert(err, check.IsNil)
	c.Check(len(top) <= 3, check.Equals, true)
}

func (s *hvgSuite) TestFindVariableFeaturesBadParams(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 2}, {3, 4}, {5, 6}}, "WT", 1)
	_, err := m.FindVariableFeatures(0)
	c.Check(err, check.FitsTypeOf, &ParameterError{})
	small := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 2}, {3, 4}}, "WT", 1)
	_, err = small.FindVariableFeatures(1)
	c.Check(err, check.ErrorMatches, `hvg: need at least 3 cells, have 2`)
}

func (s *hvgSuite) TestLoessFitsLinearTrend(c *check.C) {
	xs := make([]float64, 50)
	ys := make([]float64, 50)
	for i := range xs {
		xs[i] = float64(i) / 10
		ys[i] = 2*xs[i] + 1
	}
	fitted := loess(xs, ys, 0.3)
	for i := range xs {
		c.Check(math.Abs(fitted[i]-ys[i]) < 1e-9, check.Equals, true)
	}
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func (s *normalizeSuite) TestLogNormalize(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{
		{3, 7},
		{0, 5},
	}, "WT", 1)
	norm, err := m.LogNormalize(1e4)
	c.Assert(err, check.IsNil)
	c.Check(norm.Norm.At(0, 0), check.Equals, math.Log1p(3.0/10*1e4))
	c.Check(norm.Norm.At(0, 1), check.Equals, math.Log1p(7.0/10*1e4))
	c.Check(norm.Norm.At(1, 1), check.Equals, math.Log1p(5.0/5*1e4))
	// zero entries stay zero
	c.Check(norm.Norm.At(1, 0), check.Equals, 0.0)
	// raw counts travel along unchanged
	c.Check(norm.Counts.At(0, 0), check.Equals, 3.0)
	// input snapshot is untouched
	c.Check(m.Norm, check.IsNil)
}

func (s *normalizeSuite) TestLogNormalizeBadScale(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 1}}, "WT", 1)
	_, err := m.LogNormalize(0)
	c.Check(err, check.ErrorMatches, `invalid parameter scale-factor: must be > 0, got 0`)
	c.Check(err, check.FitsTypeOf, &ParameterError{})
}

func (s *normalizeSuite) TestScaleData(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2", "g3"}, [][]float64{
		{1, 5, 2},
		{2, 5, 2},
		{3, 5, 2},
	}, "WT", 1)
	norm, err := m.LogNormalize(1e4)
	c.Assert(err, check.IsNil)
	scaled, err := norm.ScaleData([]string{"g1", "g2"})
	c.Assert(err, check.IsNil)
	r, cols := scaled.Dims()
	c.Check(r, check.Equals, 3)
	c.Check(cols, check.Equals, 2)
	for j := 0; j < cols; j++ {
		mean, sumsq := 0.0, 0.0
		for i := 0; i < r; i++ {
			mean += scaled.At(i, j)
		}
		mean /= float64(r)
		c.Check(math.Abs(mean) < 1e-12, check.Equals, true)
		for i := 0; i < r; i++ {
			d := scaled.At(i, j) - mean
			sumsq += d * d
		}
		c.Check(math.Abs(sumsq/float64(r-1)-1) < 1e-12, check.Equals, true)
	}
}

func (s *normalizeSuite) TestScaleZeroStd(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{
		{5, 1},
		{5, 1},
	}, "WT", 1)
	// identical rows make g1's normalized values identical, so its
	// standard deviation is zero
	norm, err := m.LogNormalize(1e4)
	c.Assert(err, check.IsNil)
	scaled, err := norm.ScaleData([]string{"g1"})
	c.Assert(err, check.IsNil)
	c.Check(scaled.At(0, 0), check.Equals, 0.0)
	c.Check(scaled.At(1, 0), check.Equals, 0.0)
}

func (s *normalizeSuite) TestScaleUnknownGene(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 1}, {2, 2}}, "WT", 1)
	norm, err := m.LogNormalize(1e4)
	c.Assert(err, check.IsNil)
	_, err = norm.ScaleData([]string{"nope"})
	c.Check(err, check.ErrorMatches, `invalid parameter features: unknown gene "nope"`)
}

func (s *normalizeSuite) TestScaleRequiresNormalized(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 1}, {2, 2}}, "WT", 1)
	_, err := m.ScaleData([]string{"g1"})
	c.Check(err, check.ErrorMatches, `scale: matrix is not normalized`)
}

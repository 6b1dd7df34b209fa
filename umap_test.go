// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type umapSuite struct{}

var _ = check.Suite(&umapSuite{})

func (s *umapSuite) TestRunUMAP(c *check.C) {
	m := blobMatrix(2, 40, 5)
	coords, err := m.RunUMAP(5, 10, 0.3, 42)
	c.Assert(err, check.IsNil)
	r, cols := coords.Dims()
	c.Check(r, check.Equals, 80)
	c.Check(cols, check.Equals, 2)
	for i := 0; i < r; i++ {
		c.Check(math.IsNaN(coords.At(i, 0)), check.Equals, false)
		c.Check(math.IsNaN(coords.At(i, 1)), check.Equals, false)
	}

	// blobs separated in PCA space stay separated in the layout
	var intra, inter float64
	var nIntra, nInter int
	for i := 0; i < r; i += 3 {
		for j := i + 1; j < r; j += 3 {
			d := math.Hypot(coords.At(i, 0)-coords.At(j, 0), coords.At(i, 1)-coords.At(j, 1))
			if (i < 40) == (j < 40) {
				intra += d
				nIntra++
			} else {
				inter += d
				nInter++
			}
		}
	}
	c.Check(inter/float64(nInter) > intra/float64(nIntra), check.Equals, true)
}

func (s *umapSuite) TestRunUMAPDeterminism(c *check.C) {
	m := blobMatrix(2, 30, 4)
	a, err := m.RunUMAP(4, 8, 0.3, 42)
	c.Assert(err, check.IsNil)
	b, err := m.RunUMAP(4, 8, 0.3, 42)
	c.Assert(err, check.IsNil)
	c.Check(mat.Equal(a, b), check.Equals, true)
}

func (s *umapSuite) TestRunUMAPErrors(c *check.C) {
	raw := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 2}, {3, 4}}, "WT", 1)
	_, err := raw.RunUMAP(2, 5, 0.3, 42)
	c.Check(err, check.ErrorMatches, `umap: no principal-component embedding; run pca first`)

	m := blobMatrix(2, 30, 4)
	_, err = m.RunUMAP(4, 8, 0, 42)
	c.Check(err, check.FitsTypeOf, &ParameterError{})

	tiny := blobMatrix(1, 2, 4)
	_, err = tiny.RunUMAP(4, 8, 0.3, 42)
	c.Check(err, check.FitsTypeOf, &DegeneracyError{})
}

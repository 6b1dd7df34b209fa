// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type doubletSuite struct{}

var _ = check.Suite(&doubletSuite{})

// twoTypeCohort builds a cohort of n cells split across two expression
// programs (genes 0..ngenes/2-1 vs the rest), with reference cluster
// ids already assigned.
func twoTypeCohort(c *check.C, n, ngenes int, seed uint64) *Matrix {
	rng := rand.New(rand.NewSource(seed))
	counts := make([][]float64, n)
	for i := range counts {
		row := make([]float64, ngenes)
		lo, hi := 0, ngenes/2
		if i%2 == 1 {
			lo, hi = ngenes/2, ngenes
		}
		for j := lo; j < hi; j++ {
			row[j] = float64(5 + rng.Intn(20))
		}
		counts[i] = row
	}
	genes := make([]string, ngenes)
	for j := range genes {
		genes[j] = fmt.Sprintf("gene%03d", j)
	}
	m := testMatrix(c, genes, counts, "WT", 1)
	for i := range m.Cells {
		m.Cells[i].Cluster = i % 2
	}
	return m
}

func (s *doubletSuite) TestDetect(c *check.C) {
	m := twoTypeCohort(c, 120, 40, 7)
	dd := defaultDoubletDetector(42)
	out, audit, err := dd.Detect(m, "WT")
	c.Assert(err, check.IsNil)
	c.Check(audit.Cohort, check.Equals, "WT")
	c.Check(audit.Cells, check.Equals, 120)
	// nExp = round(120 * 0.05); homotypic = 0.5² + 0.5²
	c.Check(audit.NExp, check.Equals, 6)
	c.Check(audit.Homotypic, check.Equals, 0.5)
	c.Check(audit.NExpAdjusted, check.Equals, 3)
	c.Check(audit.NExpAdjusted <= audit.NExp, check.Equals, true)
	c.Check(audit.Doublets+audit.Singlets, check.Equals, 120)
	c.Check(audit.BestPK > 0 && audit.BestPK <= 0.3, check.Equals, true)
	ndoublet := 0
	for i := range out.Cells {
		switch out.Cells[i].Doublet {
		case "Doublet":
			ndoublet++
		case "Singlet":
		default:
			c.Fatalf("cell %d has classification %q", i, out.Cells[i].Doublet)
		}
	}
	c.Check(ndoublet, check.Equals, audit.Doublets)
	// input snapshot is untouched
	c.Check(m.Cells[0].Doublet, check.Equals, "")
}

func (s *doubletSuite) TestDetectDeterminism(c *check.C) {
	m := twoTypeCohort(c, 100, 30, 3)
	dd := defaultDoubletDetector(42)
	out1, audit1, err := dd.Detect(m, "WT")
	c.Assert(err, check.IsNil)
	out2, audit2, err := dd.Detect(m, "WT")
	c.Assert(err, check.IsNil)
	c.Check(audit1, check.DeepEquals, audit2)
	for i := range out1.Cells {
		c.Check(out1.Cells[i].Doublet, check.Equals, out2.Cells[i].Doublet)
	}
}

func (s *doubletSuite) TestDetectCohortTooSmall(c *check.C) {
	m := twoTypeCohort(c, 30, 20, 1)
	dd := defaultDoubletDetector(42)
	_, _, err := dd.Detect(m, "KO")
	c.Check(err, check.ErrorMatches, `doublet: cohort KO: 30 cells is below the minimum viable sweep size 50`)
	c.Check(err, check.FitsTypeOf, &DegeneracyError{})
}

func (s *doubletSuite) TestDetectRequiresClusters(c *check.C) {
	m := twoTypeCohort(c, 60, 20, 1)
	m.Cells[10].Cluster = -1
	dd := defaultDoubletDetector(42)
	_, _, err := dd.Detect(m, "WT")
	c.Check(err, check.ErrorMatches, `doublet: cohort WT: cell .* has no reference cluster.*`)
}

func (s *doubletSuite) TestDetectBadParams(c *check.C) {
	m := twoTypeCohort(c, 60, 20, 1)
	dd := defaultDoubletDetector(42)
	dd.PN = 1.5
	_, _, err := dd.Detect(m, "WT")
	c.Check(err, check.FitsTypeOf, &ParameterError{})
	dd = defaultDoubletDetector(42)
	dd.DoubletRate = 0
	_, _, err = dd.Detect(m, "WT")
	c.Check(err, check.ErrorMatches, `invalid parameter doublet-rate: .*`)
}

func (s *doubletSuite) TestPKGrid(c *check.C) {
	grid := pkGrid()
	c.Check(grid, check.HasLen, 24)
	c.Check(grid[0], check.Equals, 0.005)
	c.Check(math.Abs(grid[len(grid)-1]-0.3) < 1e-12, check.Equals, true)
	for i := 1; i < len(grid); i++ {
		c.Check(grid[i] > grid[i-1], check.Equals, true)
	}
}

func (s *doubletSuite) TestBimodalityPrefersBimodal(c *check.C) {
	var unimodal, bimodal []float64
	for i := 0; i < 100; i++ {
		unimodal = append(unimodal, 0.5+0.001*float64(i%10))
		if i%2 == 0 {
			bimodal = append(bimodal, 0.05+0.001*float64(i%10))
		} else {
			bimodal = append(bimodal, 0.95+0.001*float64(i%10))
		}
	}
	c.Check(bimodality(bimodal) > bimodality(unimodal), check.Equals, true)
}

func (s *doubletSuite) TestExpectedDoublets(c *check.C) {
	// two cohorts of 5,000 cells at the default 5% rate expect 250
	// raw doublets each before homotypic adjustment
	c.Check(expectedDoublets(5000, 0.05), check.Equals, 250)
	c.Check(expectedDoublets(120, 0.05), check.Equals, 6)
	c.Check(expectedDoublets(0, 0.05), check.Equals, 0)
}

func (s *doubletSuite) TestHomotypicProportion(c *check.C) {
	m := &Matrix{Cells: []Cell{
		{Cluster: 0}, {Cluster: 0}, {Cluster: 0},
		{Cluster: 1},
	}}
	c.Check(homotypicProportion(m), check.Equals, 0.75*0.75+0.25*0.25)
}

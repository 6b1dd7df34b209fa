// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"fmt"

	"gopkg.in/check.v1"
)

type enrichSuite struct{}

var _ = check.Suite(&enrichSuite{})

// rankedFixture is 100 genes with descending scores 10.0 ... 0.1.
func rankedFixture() []RankedGene {
	ranked := make([]RankedGene, 100)
	for i := range ranked {
		ranked[i] = RankedGene{ID: fmt.Sprintf("ID%03d", i), Score: float64(100-i) / 10}
	}
	return ranked
}

func topSet(n int) PathwaySet {
	set := PathwaySet{Name: "TOP"}
	for i := 0; i < n; i++ {
		set.Genes = append(set.Genes, fmt.Sprintf("ID%03d", i))
	}
	return set
}

func testEnrichOptions() enrichOptions {
	return enrichOptions{PCutoff: 1, MinSize: 5, MaxSize: 50, NPerm: 500, Seed: 42}
}

func (s *enrichSuite) TestEnrichTopSet(c *check.C) {
	ranked := rankedFixture()
	sets := []PathwaySet{topSet(10)}
	res, skipped, err := Enrich(ranked, sets, testEnrichOptions())
	c.Assert(err, check.IsNil)
	c.Check(skipped, check.HasLen, 0)
	c.Assert(res, check.HasLen, 1)
	c.Check(res[0].Pathway, check.Equals, "TOP")
	c.Check(res[0].Size, check.Equals, 10)
	c.Check(res[0].ES > 0, check.Equals, true)
	c.Check(res[0].NES > 0, check.Equals, true)
	c.Check(res[0].PValue > 0 && res[0].PValue <= 1, check.Equals, true)
	// a set of the 10 best-ranked genes beats nearly every random draw
	c.Check(res[0].PValue < 0.05, check.Equals, true)
	// leading edge is a nonempty subset of the set members, in rank order
	c.Assert(len(res[0].LeadingEdge) > 0, check.Equals, true)
	members := map[string]bool{}
	for _, g := range sets[0].Genes {
		members[g] = true
	}
	for _, g := range res[0].LeadingEdge {
		c.Check(members[g], check.Equals, true)
	}
}

func (s *enrichSuite) TestEnrichAbsentAndOutOfSizeSets(c *check.C) {
	ranked := rankedFixture()
	sets := []PathwaySet{
		{Name: "ABSENT", Genes: []string{"NOPE1", "NOPE2", "NOPE3", "NOPE4", "NOPE5"}},
		{Name: "TOOSMALL", Genes: []string{"ID001", "ID002"}},
		topSet(60), // 60 members exceeds MaxSize 50
	}
	res, skipped, err := Enrich(ranked, sets, testEnrichOptions())
	c.Assert(err, check.IsNil)
	c.Check(res, check.HasLen, 0)
	c.Check(skipped["ABSENT"], check.Matches, `.*0 of 5 members in ranked list.*`)
	c.Check(skipped["TOOSMALL"], check.Matches, `.*2 of 2 members.*`)
	c.Check(skipped["TOP"], check.Matches, `.*60 of 60 members.*`)
}

func (s *enrichSuite) TestEnrichDeterminism(c *check.C) {
	ranked := rankedFixture()
	sets := []PathwaySet{topSet(10), {Name: "MID", Genes: topSet(60).Genes[40:60]}}
	res1, skip1, err := Enrich(ranked, sets, testEnrichOptions())
	c.Assert(err, check.IsNil)
	res2, skip2, err := Enrich(ranked, sets, testEnrichOptions())
	c.Assert(err, check.IsNil)
	c.Check(res1, check.DeepEquals, res2)
	c.Check(skip1, check.DeepEquals, skip2)
}

func (s *enrichSuite) TestEnrichUnsortedInput(c *check.C) {
	ranked := rankedFixture()
	ranked[3], ranked[4] = ranked[4], ranked[3]
	_, _, err := Enrich(ranked, []PathwaySet{topSet(10)}, testEnrichOptions())
	c.Check(err, check.ErrorMatches, `enrich: ranked list is not sorted descending at .*`)
	c.Check(err, check.FitsTypeOf, &DataError{})
}

func (s *enrichSuite) TestEnrichBadParams(c *check.C) {
	ranked := rankedFixture()
	opt := testEnrichOptions()
	opt.PCutoff = 0
	_, _, err := Enrich(ranked, nil, opt)
	c.Check(err, check.FitsTypeOf, &ParameterError{})
	opt = testEnrichOptions()
	opt.MinSize = 10
	opt.MaxSize = 5
	_, _, err = Enrich(ranked, nil, opt)
	c.Check(err, check.ErrorMatches, `invalid parameter size: .*`)
	_, _, err = Enrich(nil, nil, testEnrichOptions())
	c.Check(err, check.ErrorMatches, `enrich: empty ranked gene list`)
}

type testMapper map[string]string

func (t testMapper) MapSymbols(symbols []string) (map[string]string, error) {
	out := map[string]string{}
	for _, s := range symbols {
		if id, ok := t[s]; ok {
			out[s] = id
		}
	}
	return out, nil
}

func (s *enrichSuite) TestRankFromDE(c *check.C) {
	results := []DEResult{
		{Gene: "aaa", AvgLog2FC: -2},
		{Gene: "bbb", AvgLog2FC: 3},
		{Gene: "unmapped", AvgLog2FC: 5},
		{Gene: "ccc", AvgLog2FC: 1},
	}
	mapper := testMapper{"aaa": "HA", "bbb": "HB", "ccc": "HC"}
	ranked, err := RankFromDE(results, mapper)
	c.Assert(err, check.IsNil)
	c.Check(ranked, check.DeepEquals, []RankedGene{
		{ID: "HB", Score: 3},
		{ID: "HC", Score: 1},
		{ID: "HA", Score: -2},
	})
}

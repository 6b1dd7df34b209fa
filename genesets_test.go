// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"os"

	"gopkg.in/check.v1"
)

type genesetsSuite struct{}

var _ = check.Suite(&genesetsSuite{})

func (s *genesetsSuite) TestLoadGMT(c *check.C) {
	dir := c.MkDir()
	gmt := "OXPHOS\toxidative phosphorylation\tA\tB\tC\n" +
		"GLYCOLYSIS\t\tD\tE\n"
	c.Assert(os.WriteFile(dir+"/sets.gmt", []byte(gmt), 0644), check.IsNil)
	sets, err := LoadGMT(dir + "/sets.gmt")
	c.Assert(err, check.IsNil)
	c.Assert(sets, check.HasLen, 2)
	c.Check(sets[0].Name, check.Equals, "OXPHOS")
	c.Check(sets[0].Genes, check.DeepEquals, []string{"A", "B", "C"})
	c.Check(sets[1].Genes, check.DeepEquals, []string{"D", "E"})
}

func (s *genesetsSuite) TestLoadGMTMalformed(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(dir+"/bad.gmt", []byte("ONLYNAME\n"), 0644), check.IsNil)
	_, err := LoadGMT(dir + "/bad.gmt")
	c.Check(err, check.ErrorMatches, `gmt: .*want name, description and at least one member.*`)

	c.Assert(os.WriteFile(dir+"/empty.gmt", []byte("\n"), 0644), check.IsNil)
	_, err = LoadGMT(dir + "/empty.gmt")
	c.Check(err, check.ErrorMatches, `gmt: .*no pathway sets`)
}

func (s *genesetsSuite) TestLoadSymbolMap(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(dir+"/map.csv", []byte("Sox2,SOX2\nPax6,PAX6\n"), 0644), check.IsNil)
	mapper, err := LoadSymbolMap(dir + "/map.csv")
	c.Assert(err, check.IsNil)
	got, err := mapper.MapSymbols([]string{"Sox2", "Pax6", "Xist"})
	c.Assert(err, check.IsNil)
	// unmapped symbols are dropped, not substituted
	c.Check(got, check.DeepEquals, map[string]string{"Sox2": "SOX2", "Pax6": "PAX6"})
}

func (s *genesetsSuite) TestLoadSymbolMapMalformed(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(dir+"/bad.csv", []byte("a,b,c\n"), 0644), check.IsNil)
	_, err := LoadSymbolMap(dir + "/bad.csv")
	c.Check(err, check.NotNil)
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"gopkg.in/check.v1"
)

type annotateSuite struct{}

var _ = check.Suite(&annotateSuite{})

func (s *annotateSuite) TestApplyAnnotations(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 2}, {3, 4}}, "WT", 1)
	ann := []Annotation{
		{Label: "neuron", Subclass: "L4 IT", Confidence: 0.9},
		{Label: "neuron", Subclass: "L5 IT", Confidence: 0.8},
	}
	merge := map[string]string{"L4 IT": "L4/L5 IT", "L5 IT": "L4/L5 IT"}
	out, err := m.ApplyAnnotations(ann, merge)
	c.Assert(err, check.IsNil)
	c.Check(out.Cells[0].CellType, check.Equals, "neuron")
	c.Check(out.Cells[0].Subclass, check.Equals, "L4/L5 IT")
	c.Check(out.Cells[1].Subclass, check.Equals, "L4/L5 IT")
	// input snapshot is untouched
	c.Check(m.Cells[0].CellType, check.Equals, "")
}

func (s *annotateSuite) TestApplyAnnotationsLengthMismatch(c *check.C) {
	m := testMatrix(c, []string{"g1", "g2"}, [][]float64{{1, 2}, {3, 4}}, "WT", 1)
	_, err := m.ApplyAnnotations([]Annotation{{Label: "x"}}, nil)
	c.Check(err, check.ErrorMatches, `annotate: 1 annotations for 2 cells`)
	c.Check(err, check.FitsTypeOf, &DataError{})
}

func (s *annotateSuite) TestParseLabelMerge(c *check.C) {
	merge, err := ParseLabelMerge([]string{"L4 IT=L4/L5 IT", "L5 IT=L4/L5 IT"})
	c.Assert(err, check.IsNil)
	c.Check(merge, check.DeepEquals, map[string]string{"L4 IT": "L4/L5 IT", "L5 IT": "L4/L5 IT"})

	_, err = ParseLabelMerge([]string{"nonsense"})
	c.Check(err, check.FitsTypeOf, &ParameterError{})
	_, err = ParseLabelMerge([]string{"=x"})
	c.Check(err, check.ErrorMatches, `invalid parameter merge-labels: want from=to, got "=x"`)
}

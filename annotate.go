// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"strings"
)

// Annotation is one cell's reference-based prediction: a class label,
// a subclass label, a classifier confidence and a projected coordinate
// in the reference's 2D space.
type Annotation struct {
	Label      string
	Subclass   string
	Confidence float64
	RefCoord   [2]float64
}

// Annotator is the reference-based label-transfer collaborator. It is
// a pure function of the normalized matrix; implementations surface
// errors for malformed input but own no recovery behavior.
type Annotator interface {
	Annotate(m *Matrix) ([]Annotation, error)
}

// ApplyAnnotations returns a new snapshot with cell types filled in.
// merge maps subclass labels onto replacement labels; it is dataset
// configuration supplied by the caller, not pipeline logic.
func (m *Matrix) ApplyAnnotations(ann []Annotation, merge map[string]string) (*Matrix, error) {
	if len(ann) != len(m.Cells) {
		return nil, dataErrorf("annotate", "", "%d annotations for %d cells", len(ann), len(m.Cells))
	}
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
		out.Cells[i].CellType = ann[i].Label
		sub := ann[i].Subclass
		if to, ok := merge[sub]; ok {
			sub = to
		}
		out.Cells[i].Subclass = sub
	}
	return out, nil
}

// ParseLabelMerge parses repeated "from=to" mappings.
func ParseLabelMerge(specs []string) (map[string]string, error) {
	merge := map[string]string{}
	for _, s := range specs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, paramErrorf("merge-labels", "want from=to, got %q", s)
		}
		merge[parts[0]] = parts[1]
	}
	return merge, nil
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// RunPCA projects the scaled expression of the given features onto the
// leading principal components and returns a cells×nComponents matrix.
// The transformer works on a feature×sample matrix, so the scaled data
// goes in transposed and comes back out transposed.
func (m *Matrix) RunPCA(features []string, nComponents int) (*mat.Dense, error) {
	if nComponents <= 0 {
		return nil, paramErrorf("n-components", "must be > 0, got %d", nComponents)
	}
	if nComponents > len(features) || nComponents > len(m.Cells) {
		return nil, paramErrorf("n-components", "%d exceeds min(%d features, %d cells)", nComponents, len(features), len(m.Cells))
	}
	scaled, err := m.ScaleData(features)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"cells": len(m.Cells), "features": len(features), "components": nComponents}).Info("fitting pca")
	transformer := nlp.NewPCA(nComponents)
	in := scaled.T()
	transformer.Fit(in)
	out, err := transformer.Transform(in)
	if err != nil {
		return nil, err
	}
	rows, cols := out.Dims()
	if rows != nComponents || cols != len(m.Cells) {
		return nil, dataErrorf("pca", "", "unexpected projection shape %d×%d", rows, cols)
	}
	coords := mat.NewDense(len(m.Cells), nComponents, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			coords.Set(i, j, out.At(j, i))
		}
	}
	return coords, nil
}

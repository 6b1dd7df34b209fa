// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// snapshotEnt is the gob wire form of a Matrix. Sparse matrices travel
// as cell-major triplets, dense embeddings as row-major slices.
type snapshotEnt struct {
	Cells            []Cell
	Genes            []string
	CountRows        []int32
	CountCols        []int32
	CountVals        []float64
	NormVals         []float64 // same pattern as counts, empty if not normalized
	VariableFeatures []string
	PCA              []float64
	PCACols          int
	UMAP             []float64
}

// WriteSnapshot writes a gzipped gob snapshot of the dataset and
// returns the blake2b-256 fingerprint of the uncompressed gob stream.
// The fingerprint identifies a stage output in audit records.
func (m *Matrix) WriteSnapshot(w io.Writer) (string, error) {
	ent := snapshotEnt{
		Cells:            m.Cells,
		Genes:            m.Genes,
		VariableFeatures: m.VariableFeatures,
	}
	m.Counts.DoNonZero(func(i, j int, v float64) {
		ent.CountRows = append(ent.CountRows, int32(i))
		ent.CountCols = append(ent.CountCols, int32(j))
		ent.CountVals = append(ent.CountVals, v)
		if m.Norm != nil {
			ent.NormVals = append(ent.NormVals, m.Norm.At(i, j))
		}
	})
	if m.PCA != nil {
		r, c := m.PCA.Dims()
		ent.PCACols = c
		ent.PCA = make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			ent.PCA = append(ent.PCA, m.PCA.RawRowView(i)...)
		}
	}
	if m.UMAP != nil {
		r, _ := m.UMAP.Dims()
		ent.UMAP = make([]float64, 0, r*2)
		for i := 0; i < r; i++ {
			ent.UMAP = append(ent.UMAP, m.UMAP.RawRowView(i)...)
		}
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	gz := pgzip.NewWriter(w)
	err = gob.NewEncoder(io.MultiWriter(gz, hasher)).Encode(ent)
	if err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Matrix, error) {
	gz, err := pgzip.NewReader(bufio.NewReaderSize(r, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer gz.Close()
	var ent snapshotEnt
	if err := gob.NewDecoder(gz).Decode(&ent); err != nil {
		return nil, fmt.Errorf("snapshot: gob decode: %w", err)
	}
	if len(ent.Cells) == 0 || len(ent.Genes) == 0 {
		return nil, dataErrorf("snapshot", "", "empty snapshot: %d cells × %d genes", len(ent.Cells), len(ent.Genes))
	}
	m := &Matrix{Cells: ent.Cells, Genes: ent.Genes, VariableFeatures: ent.VariableFeatures}
	dok := sparse.NewDOK(len(ent.Cells), len(ent.Genes))
	var ndok *sparse.DOK
	if len(ent.NormVals) == len(ent.CountVals) && len(ent.NormVals) > 0 {
		ndok = sparse.NewDOK(len(ent.Cells), len(ent.Genes))
	}
	for k := range ent.CountVals {
		i, j := int(ent.CountRows[k]), int(ent.CountCols[k])
		dok.Set(i, j, ent.CountVals[k])
		if ndok != nil {
			ndok.Set(i, j, ent.NormVals[k])
		}
	}
	m.Counts = dok.ToCSR()
	if ndok != nil {
		m.Norm = ndok.ToCSR()
	}
	if ent.PCACols > 0 {
		m.PCA = mat.NewDense(len(ent.PCA)/ent.PCACols, ent.PCACols, ent.PCA)
	}
	if len(ent.UMAP) > 0 {
		m.UMAP = mat.NewDense(len(ent.UMAP)/2, 2, ent.UMAP)
	}
	return m, nil
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// CellQC holds the per-cell quality metrics computed by ComputeQC.
type CellQC struct {
	NFeature  int
	NCount    float64
	PercentMT float64
	PercentRB float64
}

// Cell is one barcode's metadata record. Cluster is -1 and CellType,
// Subclass and Doublet are empty until the owning pipeline stage runs.
type Cell struct {
	Barcode  string
	Genotype string
	QC       CellQC
	Cluster  int
	CellType string
	Subclass string
	Doublet  string // "Singlet" or "Doublet"
}

// Matrix is an immutable dataset snapshot: sparse cell×gene counts plus
// per-cell metadata and the derived matrices computed by downstream
// stages. Stages never mutate a Matrix they did not create; filtering
// produces a new Matrix via Subset.
type Matrix struct {
	Cells []Cell
	Genes []string

	// Counts is raw counts, cells×genes. Norm is the log-normalized
	// version with the same sparsity pattern, nil until LogNormalize.
	Counts *sparse.CSR
	Norm   *sparse.CSR

	// VariableFeatures, PCA and UMAP are recomputed wholesale whenever
	// upstream normalization changes; Subset drops them.
	VariableFeatures []string
	PCA              *mat.Dense // cells × components
	UMAP             *mat.Dense // cells × 2

	geneIdx map[string]int
}

func (m *Matrix) NCells() int { return len(m.Cells) }
func (m *Matrix) NGenes() int { return len(m.Genes) }

// GeneIndex returns the column index for a gene symbol, or -1.
func (m *Matrix) GeneIndex(symbol string) int {
	if m.geneIdx == nil {
		m.geneIdx = make(map[string]int, len(m.Genes))
		for i, g := range m.Genes {
			m.geneIdx[g] = i
		}
	}
	if i, ok := m.geneIdx[symbol]; ok {
		return i
	}
	return -1
}

func newCells(barcodes []string, genotype string) []Cell {
	cells := make([]Cell, len(barcodes))
	for i, bc := range barcodes {
		cells[i] = Cell{Barcode: bc, Genotype: genotype, Cluster: -1}
	}
	return cells
}

// NewMatrix builds a Matrix from triplet data (cell, gene, count).
// Genes expressed in fewer than minCells cells are dropped here, before
// any cell filtering happens.
func NewMatrix(cells []Cell, genes []string, rows, cols []int, counts []float64, minCells int) (*Matrix, error) {
	if len(cells) == 0 || len(genes) == 0 {
		return nil, dataErrorf("matrix", "", "empty matrix: %d cells × %d genes", len(cells), len(genes))
	}
	// support counts distinct cells with a nonzero entry; explicit
	// zeros and duplicate (cell, gene) triplets don't add to it
	support := make([]int, len(genes))
	seen := make(map[[2]int]bool, len(cols))
	for i, j := range cols {
		if counts[i] == 0 {
			continue
		}
		key := [2]int{rows[i], j}
		if seen[key] {
			continue
		}
		seen[key] = true
		support[j]++
	}
	keep := make([]int, len(genes))
	kept := make([]string, 0, len(genes))
	for j, n := range support {
		if n >= minCells {
			keep[j] = len(kept)
			kept = append(kept, genes[j])
		} else {
			keep[j] = -1
		}
	}
	if len(kept) == 0 {
		return nil, dataErrorf("matrix", "", "no gene is expressed in at least %d cells", minCells)
	}
	dok := sparse.NewDOK(len(cells), len(kept))
	for i, v := range counts {
		if j := keep[cols[i]]; j >= 0 && v != 0 {
			dok.Set(rows[i], j, v)
		}
	}
	return &Matrix{Cells: cells, Genes: kept, Counts: dok.ToCSR()}, nil
}

// Subset returns a new Matrix containing only the given cell indexes,
// in the given order. Derived matrices (normalization, embeddings) are
// dropped; they must be recomputed on the subset.
func (m *Matrix) Subset(cellIdx []int) *Matrix {
	cells := make([]Cell, len(cellIdx))
	dok := sparse.NewDOK(len(cellIdx), len(m.Genes))
	for newi, i := range cellIdx {
		cells[newi] = m.Cells[i]
		row := newi
		m.Counts.DoRowNonZero(i, func(_, j int, v float64) {
			dok.Set(row, j, v)
		})
	}
	return &Matrix{Cells: cells, Genes: append([]string(nil), m.Genes...), Counts: dok.ToCSR()}
}

// CellsWhere returns the indexes of cells matching the predicate.
func (m *Matrix) CellsWhere(pred func(*Cell) bool) []int {
	var idx []int
	for i := range m.Cells {
		if pred(&m.Cells[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Merge combines two cohorts into one Matrix. Barcodes must already be
// cohort-prefixed; a duplicate after prefixing is a data error, not a
// silent overwrite. The gene set is the union, ordered by symbol.
func Merge(a, b *Matrix) (*Matrix, error) {
	seen := make(map[string]bool, len(a.Cells)+len(b.Cells))
	for _, src := range []*Matrix{a, b} {
		for i := range src.Cells {
			bc := src.Cells[i].Barcode
			if seen[bc] {
				return nil, dataErrorf("merge", "", "duplicate barcode after prefixing: %q", bc)
			}
			seen[bc] = true
		}
	}
	geneSet := make(map[string]bool, len(a.Genes))
	for _, g := range a.Genes {
		geneSet[g] = true
	}
	for _, g := range b.Genes {
		geneSet[g] = true
	}
	genes := make([]string, 0, len(geneSet))
	for g := range geneSet {
		genes = append(genes, g)
	}
	sort.Strings(genes)
	gidx := make(map[string]int, len(genes))
	for i, g := range genes {
		gidx[g] = i
	}

	cells := make([]Cell, 0, len(a.Cells)+len(b.Cells))
	dok := sparse.NewDOK(len(a.Cells)+len(b.Cells), len(genes))
	offset := 0
	for _, src := range []*Matrix{a, b} {
		colmap := make([]int, len(src.Genes))
		for j, g := range src.Genes {
			colmap[j] = gidx[g]
		}
		cells = append(cells, src.Cells...)
		for i := range src.Cells {
			row := offset + i
			src.Counts.DoRowNonZero(i, func(_, j int, v float64) {
				dok.Set(row, colmap[j], v)
			})
		}
		offset += len(src.Cells)
	}
	return &Matrix{Cells: cells, Genes: genes, Counts: dok.ToCSR()}, nil
}

// LoadMatrixDir reads a droplet-platform triplet directory (barcodes,
// features, matrix in MatrixMarket coordinate format, each optionally
// gzipped) and returns a Matrix with every barcode prefixed by
// prefix+"_" so cohorts stay globally unique when merged.
func LoadMatrixDir(dir, genotype, prefix string, minCells int) (*Matrix, error) {
	barcodes, err := readLines(dir, "barcodes.tsv")
	if err != nil {
		return nil, dataErrorf("load", genotype, "%s", err)
	}
	features, err := readLines(dir, "features.tsv")
	if err != nil {
		// older exports call this file genes.tsv
		features, err = readLines(dir, "genes.tsv")
		if err != nil {
			return nil, dataErrorf("load", genotype, "%s", err)
		}
	}
	genes := make([]string, len(features))
	for i, line := range features {
		fields := strings.Split(line, "\t")
		if len(fields) > 1 {
			genes[i] = fields[1]
		} else {
			genes[i] = fields[0]
		}
	}
	for i, bc := range barcodes {
		barcodes[i] = prefix + "_" + bc
	}

	f, err := openMaybeGzip(dir, "matrix.mtx")
	if err != nil {
		return nil, dataErrorf("load", genotype, "%s", err)
	}
	defer f.Close()
	rows, cols, counts, err := readMatrixMarket(f, len(genes), len(barcodes))
	if err != nil {
		return nil, dataErrorf("load", genotype, "%s: %s", dir, err)
	}
	log.WithFields(log.Fields{"dir": dir, "cells": len(barcodes), "genes": len(genes), "nnz": len(counts)}).Info("loaded matrix")
	m, err := NewMatrix(newCells(barcodes, genotype), genes, rows, cols, counts, minCells)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// readMatrixMarket parses a coordinate-format MatrixMarket stream with
// genes as rows and cells as columns (the droplet-platform layout) and
// returns cell-major triplets.
func readMatrixMarket(r io.Reader, ngenes, ncells int) (rows, cols []int, counts []float64, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	if !scanner.Scan() {
		return nil, nil, nil, fmt.Errorf("empty matrix file")
	}
	header := scanner.Text()
	if !strings.HasPrefix(header, "%%MatrixMarket matrix coordinate") {
		return nil, nil, nil, fmt.Errorf("unsupported matrix header %q", header)
	}
	sized := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, nil, nil, fmt.Errorf("malformed matrix line %q", line)
		}
		if !sized {
			nr, _ := strconv.Atoi(fields[0])
			nc, _ := strconv.Atoi(fields[1])
			if nr != ngenes || nc != ncells {
				return nil, nil, nil, fmt.Errorf("matrix is %d×%d but found %d features and %d barcodes", nr, nc, ngenes, ncells)
			}
			sized = true
			continue
		}
		gi, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, nil, err
		}
		ci, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, nil, err
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, nil, nil, err
		}
		if gi < 1 || gi > ngenes || ci < 1 || ci > ncells {
			return nil, nil, nil, fmt.Errorf("entry (%d,%d) outside %d×%d matrix", gi, ci, ngenes, ncells)
		}
		rows = append(rows, ci-1)
		cols = append(cols, gi-1)
		counts = append(counts, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, err
	}
	if !sized {
		return nil, nil, nil, fmt.Errorf("matrix file has no size line")
	}
	return rows, cols, counts, nil
}

func openMaybeGzip(dir, name string) (io.ReadCloser, error) {
	if f, err := os.Open(filepath.Join(dir, name)); err == nil {
		return f, nil
	}
	f, err := os.Open(filepath.Join(dir, name+".gz"))
	if err != nil {
		return nil, err
	}
	gz, err := pgzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipReadCloser{gz, f}, nil
}

type gzipReadCloser struct {
	*pgzip.Reader
	f *os.File
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if err2 := g.f.Close(); err == nil {
		err = err2
	}
	return err
}

func readLines(dir, name string) ([]string, error) {
	f, err := openMaybeGzip(dir, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: no entries", filepath.Join(dir, name))
	}
	return lines, nil
}

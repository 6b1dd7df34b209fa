// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// WriteQCAudit writes the QC audit table as CSV.
func WriteQCAudit(w io.Writer, audits []QCAudit) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cohort", "cells_before", "cells_after", "genes", "median_nFeature", "median_nCount", "median_percent_mt"}); err != nil {
		return err
	}
	for _, a := range audits {
		err := cw.Write([]string{
			a.Cohort,
			strconv.Itoa(a.CellsBefore),
			strconv.Itoa(a.CellsAfter),
			strconv.Itoa(a.Genes),
			formatFloat(a.MedianNFeature),
			formatFloat(a.MedianNCount),
			formatFloat(a.MedianPercentMT),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDoubletAudit writes the per-cohort doublet audit table as CSV.
func WriteDoubletAudit(w io.Writer, audits []DoubletAudit) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cohort", "cells", "best_pK", "bc_metric", "homotypic_proportion", "nExp", "nExp_adjusted", "doublets", "singlets"}); err != nil {
		return err
	}
	for _, a := range audits {
		err := cw.Write([]string{
			a.Cohort,
			strconv.Itoa(a.Cells),
			formatFloat(a.BestPK),
			formatFloat(a.BCMetric),
			formatFloat(a.Homotypic),
			strconv.Itoa(a.NExp),
			strconv.Itoa(a.NExpAdjusted),
			strconv.Itoa(a.Doublets),
			strconv.Itoa(a.Singlets),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDEResults writes one comparison's DE table as CSV.
func WriteDEResults(w io.Writer, results []DEResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"gene", "avg_log2FC", "pct.1", "pct.2", "p_val", "p_val_adj"}); err != nil {
		return err
	}
	for _, r := range results {
		err := cw.Write([]string{
			r.Gene,
			formatFloat(r.AvgLog2FC),
			formatFloat(r.Pct1),
			formatFloat(r.Pct2),
			formatFloat(r.PValue),
			formatFloat(r.PValueAdj),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEnrichment writes the enrichment result table as CSV. The
// leading edge is a slash-separated gene list, one field.
func WriteEnrichment(w io.Writer, results []EnrichmentResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"pathway", "size", "ES", "NES", "p_val", "leading_edge"}); err != nil {
		return err
	}
	for _, r := range results {
		err := cw.Write([]string{
			r.Pathway,
			strconv.Itoa(r.Size),
			formatFloat(r.ES),
			formatFloat(r.NES),
			formatFloat(r.PValue),
			strings.Join(r.LeadingEdge, "/"),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEmbeddingNpy writes a dense embedding as a 2D float64 .npy
// array.
func WriteEmbeddingNpy(w io.Writer, emb *mat.Dense) error {
	if emb == nil {
		return fmt.Errorf("no embedding to export")
	}
	rows, cols := emb.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		out = append(out, emb.RawRowView(i)...)
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	return npw.WriteFloat64(out)
}

// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"flag"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// qcFilter computes per-cell quality metrics and drops cells outside
// the configured thresholds. Gene-support filtering does not happen
// here; it happens once, at matrix construction.
type qcFilter struct {
	MinFeatures  int
	MaxPercentMT float64
	MTPrefix     string
	RBPrefixes   string
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinFeatures, "min-features", 400, "drop cells with `N` or fewer detected genes")
	flags.Float64Var(&f.MaxPercentMT, "max-percent-mt", 5, "drop cells with mitochondrial fraction ≥ `P` percent")
	flags.StringVar(&f.MTPrefix, "mt-prefix", "mt-", "mitochondrial gene symbol `prefix`")
	flags.StringVar(&f.RBPrefixes, "rb-prefixes", "Rps,Rpl", "comma-separated ribosomal gene symbol `prefixes`")
}

func (f *qcFilter) valid() error {
	if f.MinFeatures < 0 {
		return paramErrorf("min-features", "must be ≥ 0, got %d", f.MinFeatures)
	}
	if f.MaxPercentMT < 0 || f.MaxPercentMT > 100 {
		return paramErrorf("max-percent-mt", "must be in [0,100], got %g", f.MaxPercentMT)
	}
	return nil
}

// ComputeQC fills every cell's QC record: detected feature count, total
// count, and the percentage of counts from prefix-matched gene sets.
func (f *qcFilter) ComputeQC(m *Matrix) {
	mtGene := make([]bool, len(m.Genes))
	rbGene := make([]bool, len(m.Genes))
	rbPrefixes := strings.Split(f.RBPrefixes, ",")
	for j, g := range m.Genes {
		if f.MTPrefix != "" && strings.HasPrefix(g, f.MTPrefix) {
			mtGene[j] = true
		}
		for _, p := range rbPrefixes {
			if p != "" && strings.HasPrefix(g, p) {
				rbGene[j] = true
				break
			}
		}
	}
	for i := range m.Cells {
		var qc CellQC
		var mt, rb float64
		m.Counts.DoRowNonZero(i, func(_, j int, v float64) {
			qc.NFeature++
			qc.NCount += v
			if mtGene[j] {
				mt += v
			}
			if rbGene[j] {
				rb += v
			}
		})
		if qc.NCount > 0 {
			qc.PercentMT = 100 * mt / qc.NCount
			qc.PercentRB = 100 * rb / qc.NCount
		}
		m.Cells[i].QC = qc
	}
}

// QCAudit summarizes one cohort's QC filtering.
type QCAudit struct {
	Cohort          string
	CellsBefore     int
	CellsAfter      int
	Genes           int
	MedianNFeature  float64
	MedianNCount    float64
	MedianPercentMT float64
}

// FilterCells returns a new Matrix retaining only cells that pass the
// thresholds, plus one audit row per cohort. The receiver is left
// intact for before/after comparison. Filtering is idempotent: on an
// already-filtered matrix it keeps every cell.
func (f *qcFilter) FilterCells(m *Matrix) (*Matrix, []QCAudit, error) {
	if err := f.valid(); err != nil {
		return nil, nil, err
	}
	before := map[string]int{}
	after := map[string]int{}
	var keep []int
	for i := range m.Cells {
		c := &m.Cells[i]
		before[c.Genotype]++
		if c.QC.NFeature > f.MinFeatures && c.QC.PercentMT < f.MaxPercentMT {
			keep = append(keep, i)
			after[c.Genotype]++
		}
	}
	for cohort, n := range before {
		if after[cohort] == 0 {
			return nil, nil, dataErrorf("qc", cohort, "no cell of %d passed nFeature > %d and percent.mt < %g", n, f.MinFeatures, f.MaxPercentMT)
		}
	}
	sub := m.Subset(keep)
	cohorts := make([]string, 0, len(before))
	for cohort := range before {
		cohorts = append(cohorts, cohort)
	}
	sort.Strings(cohorts)
	var audits []QCAudit
	for _, cohort := range cohorts {
		var nf, nc, pmt []float64
		for i := range sub.Cells {
			if sub.Cells[i].Genotype == cohort {
				nf = append(nf, float64(sub.Cells[i].QC.NFeature))
				nc = append(nc, sub.Cells[i].QC.NCount)
				pmt = append(pmt, sub.Cells[i].QC.PercentMT)
			}
		}
		audits = append(audits, QCAudit{
			Cohort:          cohort,
			CellsBefore:     before[cohort],
			CellsAfter:      after[cohort],
			Genes:           sub.NGenes(),
			MedianNFeature:  median(nf),
			MedianNCount:    median(nc),
			MedianPercentMT: median(pmt),
		})
		log.WithFields(log.Fields{"cohort": cohort, "before": before[cohort], "after": after[cohort]}).Info("qc filter")
	}
	return sub, audits, nil
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	if n := len(s); n%2 == 1 {
		return s[n/2]
	} else {
		return (s[n/2-1] + s[n/2]) / 2
	}
}

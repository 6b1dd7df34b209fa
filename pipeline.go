// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"flag"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PipelineConfig carries every tunable of the end-to-end pipeline.
// The zero value is not usable; start from DefaultPipelineConfig.
type PipelineConfig struct {
	Seed          uint64
	MinCells      int // gene support filter at load time
	ScaleFactor   float64
	NFeatures     int
	NComponents   int
	ClusterDims   int
	KNeighbors    int
	Resolution    float64
	UMAPNeighbors int
	UMAPMinDist   float64
	DoubletRate   float64
	PN            float64
	QC            qcFilter
	DE            deOptions
	Enrich        enrichOptions

	// TargetLabel restricts the enrichment input to one annotated
	// subpopulation's DE table; empty means the global comparison.
	TargetLabel string
}

func DefaultPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{
		Seed:          42,
		MinCells:      3,
		ScaleFactor:   1e4,
		NFeatures:     2000,
		NComponents:   30,
		ClusterDims:   30,
		KNeighbors:    20,
		Resolution:    0.5,
		UMAPNeighbors: 30,
		UMAPMinDist:   0.3,
		DoubletRate:   0.05,
		PN:            0.25,
		QC:            qcFilter{MinFeatures: 400, MaxPercentMT: 5, MTPrefix: "mt-", RBPrefixes: "Rps,Rpl"},
		DE:            defaultDEOptions(),
	}
	cfg.Enrich = defaultEnrichOptions(cfg.Seed)
	return cfg
}

func (cfg *PipelineConfig) Flags(flags *flag.FlagSet) {
	flags.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random `seed` applied to every stochastic stage")
	flags.IntVar(&cfg.MinCells, "min-cells", cfg.MinCells, "drop genes expressed in fewer than `N` cells")
	flags.Float64Var(&cfg.ScaleFactor, "scale-factor", cfg.ScaleFactor, "library-size normalization scale `factor`")
	flags.IntVar(&cfg.NFeatures, "n-features", cfg.NFeatures, "number of variable `features`")
	flags.IntVar(&cfg.NComponents, "n-components", cfg.NComponents, "number of principal `components`")
	flags.IntVar(&cfg.ClusterDims, "cluster-dims", cfg.ClusterDims, "principal components used for the neighbor `graph`")
	flags.IntVar(&cfg.KNeighbors, "k", cfg.KNeighbors, "`neighbors` per cell in the SNN graph")
	flags.Float64Var(&cfg.Resolution, "resolution", cfg.Resolution, "community detection `resolution`")
	flags.IntVar(&cfg.UMAPNeighbors, "umap-neighbors", cfg.UMAPNeighbors, "`neighbors` for the 2D embedding")
	flags.Float64Var(&cfg.UMAPMinDist, "umap-min-dist", cfg.UMAPMinDist, "minimum `distance` in the 2D embedding")
	flags.Float64Var(&cfg.DoubletRate, "doublet-rate", cfg.DoubletRate, "expected doublet `rate`")
	flags.Float64Var(&cfg.PN, "pn", cfg.PN, "synthetic doublet pooling `fraction`")
	flags.Float64Var(&cfg.DE.MinPct, "min-pct", cfg.DE.MinPct, "minimum expression `fraction` for DE")
	flags.Float64Var(&cfg.DE.LogFCThreshold, "logfc-threshold", cfg.DE.LogFCThreshold, "minimum |log2 fold change| `threshold`")
	flags.StringVar(&cfg.DE.Test, "de-test", cfg.DE.Test, "DE `test`: wilcox or logreg")
	flags.StringVar(&cfg.DE.Correction, "de-correction", cfg.DE.Correction, "multiple testing `correction`: bonferroni or BH")
	flags.StringVar(&cfg.TargetLabel, "target-label", cfg.TargetLabel, "subpopulation `label` whose DE table feeds enrichment (default: global)")
	cfg.QC.Flags(flags)
}

// PipelineResult collects every artifact of one end-to-end run.
type PipelineResult struct {
	Final         *Matrix
	NClusters     int
	QCAudits      []QCAudit
	DoubletAudits []DoubletAudit
	GlobalDE      []DEResult
	DEByLabel     map[string][]DEResult
	SkippedLabels map[string]string
	Enrichment    []EnrichmentResult
	SkippedSets   map[string]string
}

// cohortPrep is the per-cohort half of the pipeline: QC, normalize,
// embed, cluster, doublet-filter. Each invocation owns its matrices
// outright, so cohorts can run in parallel.
func (cfg *PipelineConfig) cohortPrep(m *Matrix, cohort string, seed uint64) (*Matrix, []QCAudit, DoubletAudit, error) {
	var audit DoubletAudit
	cfg.QC.ComputeQC(m)
	filtered, qcAudits, err := cfg.QC.FilterCells(m)
	if err != nil {
		return nil, nil, audit, err
	}
	norm, err := filtered.LogNormalize(cfg.ScaleFactor)
	if err != nil {
		return nil, nil, audit, err
	}
	norm, _, err = cfg.embedAndCluster(norm, seed, false)
	if err != nil {
		return nil, nil, audit, fmt.Errorf("cohort %s: %w", cohort, err)
	}
	dd := defaultDoubletDetector(seed)
	dd.PN = cfg.PN
	dd.DoubletRate = cfg.DoubletRate
	dd.ScaleFactor = cfg.ScaleFactor
	classified, audit, err := dd.Detect(norm, cohort)
	if err != nil {
		return nil, nil, audit, err
	}
	singlets := classified.Subset(classified.CellsWhere(func(c *Cell) bool { return c.Doublet == "Singlet" }))
	if singlets.NCells() == 0 {
		return nil, nil, audit, dataErrorf("doublet", cohort, "no singlet survived classification")
	}
	return singlets, qcAudits, audit, nil
}

// embedAndCluster normalizes nothing; it derives features, PCA,
// optionally UMAP, and a cluster partition on an already-normalized
// snapshot.
func (cfg *PipelineConfig) embedAndCluster(m *Matrix, seed uint64, withUMAP bool) (*Matrix, int, error) {
	nfeat := cfg.NFeatures
	if nfeat > m.NGenes() {
		nfeat = m.NGenes()
	}
	hvg, err := m.FindVariableFeatures(nfeat)
	if err != nil {
		return nil, 0, err
	}
	m.VariableFeatures = hvg
	ncomp := cfg.NComponents
	if ncomp > len(hvg) {
		ncomp = len(hvg)
	}
	pca, err := m.RunPCA(hvg, ncomp)
	if err != nil {
		return nil, 0, err
	}
	m.PCA = pca
	if withUMAP {
		umap, err := m.RunUMAP(minInt(cfg.ClusterDims, ncomp), cfg.UMAPNeighbors, cfg.UMAPMinDist, seed)
		if err != nil {
			return nil, 0, err
		}
		m.UMAP = umap
	}
	clustered, nclust, err := m.ClusterCells(minInt(cfg.ClusterDims, ncomp), cfg.KNeighbors, cfg.Resolution, seed)
	if err != nil {
		return nil, 0, err
	}
	return clustered, nclust, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RunPipeline executes the full comparison: two cohorts in, QC'd,
// doublet-cleaned, clustered, annotated, DE-tested and enriched.
// Each stage replaces the dataset snapshot wholesale; a failed stage
// never leaves a partial snapshot behind.
func RunPipeline(wt, ko *Matrix, cfg PipelineConfig, annotator Annotator, labelMerge map[string]string, mapper SymbolMapper, pathways []PathwaySet) (*PipelineResult, error) {
	res := &PipelineResult{}
	cohorts := []struct {
		name string
		m    *Matrix
	}{{"WT", wt}, {"KO", ko}}

	prepped := make([]*Matrix, len(cohorts))
	qcAudits := make([][]QCAudit, len(cohorts))
	dbAudits := make([]DoubletAudit, len(cohorts))
	var g errgroup.Group
	for ci := range cohorts {
		ci := ci
		g.Go(func() error {
			// derived sub-seed per cohort keeps the two sweeps
			// independent but reproducible
			m, qa, da, err := cfg.cohortPrep(cohorts[ci].m, cohorts[ci].name, cfg.Seed+uint64(ci)+1)
			if err != nil {
				return err
			}
			prepped[ci], qcAudits[ci], dbAudits[ci] = m, qa, da
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for ci := range cohorts {
		res.QCAudits = append(res.QCAudits, qcAudits[ci]...)
		res.DoubletAudits = append(res.DoubletAudits, dbAudits[ci])
	}

	merged, err := Merge(prepped[0], prepped[1])
	if err != nil {
		return nil, err
	}
	norm, err := merged.LogNormalize(cfg.ScaleFactor)
	if err != nil {
		return nil, err
	}
	final, nclust, err := cfg.embedAndCluster(norm, cfg.Seed, true)
	if err != nil {
		return nil, err
	}
	res.NClusters = nclust

	if annotator != nil {
		ann, err := annotator.Annotate(final)
		if err != nil {
			return nil, fmt.Errorf("annotate: %w", err)
		}
		final, err = final.ApplyAnnotations(ann, labelMerge)
		if err != nil {
			return nil, err
		}
	}
	res.Final = final

	isKO := func(c *Cell) bool { return c.Genotype == "KO" }
	isWT := func(c *Cell) bool { return c.Genotype == "WT" }
	res.GlobalDE, err = final.CompareGroups(final.CellsWhere(isKO), final.CellsWhere(isWT), cfg.DE)
	if err != nil {
		return nil, err
	}
	labelOf := func(c *Cell) string {
		if c.Subclass != "" {
			return c.Subclass
		}
		return fmt.Sprintf("cluster%d", c.Cluster)
	}
	res.DEByLabel, res.SkippedLabels, err = final.CompareGroupsBy(labelOf, isKO, isWT, cfg.DE)
	if err != nil {
		return nil, err
	}

	if mapper != nil && len(pathways) > 0 {
		deInput := res.GlobalDE
		if cfg.TargetLabel != "" {
			var ok bool
			deInput, ok = res.DEByLabel[cfg.TargetLabel]
			if !ok {
				return nil, dataErrorf("enrich", "", "no DE table for target label %q", cfg.TargetLabel)
			}
		}
		ranked, err := RankFromDE(deInput, mapper)
		if err != nil {
			return nil, fmt.Errorf("ortholog mapping: %w", err)
		}
		eopt := cfg.Enrich
		if eopt.NPerm == 0 {
			eopt = defaultEnrichOptions(cfg.Seed)
		}
		res.Enrichment, res.SkippedSets, err = Enrich(ranked, pathways, eopt)
		if err != nil {
			return nil, err
		}
	}

	labels := make([]string, 0, len(res.DEByLabel))
	for l := range res.DEByLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	log.WithFields(log.Fields{
		"cells":    final.NCells(),
		"clusters": nclust,
		"labels":   len(labels),
	}).Info("pipeline complete")
	return res, nil
}

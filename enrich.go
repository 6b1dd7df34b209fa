// Copyright (C) The Droplet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droplet

import (
	"math"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// RankedGene is one entry of a descending-ranked gene list.
type RankedGene struct {
	ID    string
	Score float64
}

// PathwaySet is one curated gene set in the pathway database's
// identifier namespace.
type PathwaySet struct {
	Name  string
	Genes []string
}

// EnrichmentResult is one pathway's enrichment record.
type EnrichmentResult struct {
	Pathway     string
	Size        int
	ES          float64
	NES         float64
	PValue      float64
	LeadingEdge []string
}

type enrichOptions struct {
	PCutoff float64
	MinSize int
	MaxSize int
	NPerm   int
	Seed    uint64
}

func defaultEnrichOptions(seed uint64) enrichOptions {
	return enrichOptions{PCutoff: 0.05, MinSize: 50, MaxSize: 500, NPerm: 1000, Seed: seed}
}

func (o *enrichOptions) valid() error {
	if o.PCutoff <= 0 || o.PCutoff > 1 {
		return paramErrorf("p-cutoff", "must be in (0,1], got %g", o.PCutoff)
	}
	if o.MinSize < 1 || o.MaxSize < o.MinSize {
		return paramErrorf("size", "need 1 ≤ min ≤ max, got [%d,%d]", o.MinSize, o.MaxSize)
	}
	if o.NPerm < 1 {
		return paramErrorf("n-perm", "must be ≥ 1, got %d", o.NPerm)
	}
	return nil
}

// Enrich performs weighted running-sum gene-set enrichment of each
// pathway against the ranked list. ranked must be sorted descending by
// score. Pathways outside the size bounds (counted after restriction
// to the ranked list) are skipped and recorded, never silently
// dropped. Only pathways with p ≤ PCutoff appear in the results.
// Permutation p-values are (1+hits)/(1+perms), so they lie in (0,1].
func Enrich(ranked []RankedGene, sets []PathwaySet, opt enrichOptions) ([]EnrichmentResult, map[string]string, error) {
	if err := opt.valid(); err != nil {
		return nil, nil, err
	}
	if len(ranked) == 0 {
		return nil, nil, dataErrorf("enrich", "", "empty ranked gene list")
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			return nil, nil, dataErrorf("enrich", "", "ranked list is not sorted descending at %q", ranked[i].ID)
		}
	}
	pos := make(map[string]int, len(ranked))
	for i, g := range ranked {
		pos[g.ID] = i
	}

	type setOutcome struct {
		res  *EnrichmentResult
		skip string
	}
	skipped := map[string]string{}
	results := make([]setOutcome, len(sets))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for si, set := range sets {
		si, set := si, set
		// each pathway gets its own derived sub-seed so parallel
		// permutation runs stay reproducible
		subSeed := opt.Seed + uint64(si)
		g.Go(func() error {
			hits := make([]int, 0, len(set.Genes))
			for _, id := range set.Genes {
				if p, ok := pos[id]; ok {
					hits = append(hits, p)
				}
			}
			if len(hits) < opt.MinSize || len(hits) > opt.MaxSize {
				results[si].skip = degeneracyErrorf("enrich", "", "%d of %d members in ranked list, outside [%d,%d]", len(hits), len(set.Genes), opt.MinSize, opt.MaxSize).Error()
				return nil
			}
			sort.Ints(hits)
			es, peak := enrichmentScore(ranked, hits)

			rng := rand.New(rand.NewSource(subSeed))
			perm := make([]int, len(hits))
			sameSign := 0
			asExtreme := 0
			sumAbs := 0.0
			for p := 0; p < opt.NPerm; p++ {
				samplePositions(rng, len(ranked), perm)
				pes, _ := enrichmentScore(ranked, perm)
				if (pes >= 0) == (es >= 0) {
					sameSign++
					sumAbs += math.Abs(pes)
					if math.Abs(pes) >= math.Abs(es) {
						asExtreme++
					}
				}
			}
			res := &EnrichmentResult{
				Pathway: set.Name,
				Size:    len(hits),
				ES:      es,
				PValue:  float64(1+asExtreme) / float64(1+sameSign),
			}
			if sameSign > 0 && sumAbs > 0 {
				res.NES = es / (sumAbs / float64(sameSign))
			}
			res.LeadingEdge = leadingEdge(ranked, hits, es, peak)
			results[si].res = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var out []EnrichmentResult
	for si, r := range results {
		if r.res == nil {
			skipped[sets[si].Name] = r.skip
			continue
		}
		if r.res.PValue <= opt.PCutoff {
			out = append(out, *r.res)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].PValue != out[b].PValue {
			return out[a].PValue < out[b].PValue
		}
		return out[a].Pathway < out[b].Pathway
	})
	log.WithFields(log.Fields{"sets": len(sets), "reported": len(out), "skipped": len(skipped)}).Info("enrichment")
	return out, skipped, nil
}

// enrichmentScore walks the ranked list: positions in hits push the
// running sum up in proportion to |score|, all others pull it down by
// a constant. Returns the maximum deviation from zero and its
// position. hits must be sorted ascending.
func enrichmentScore(ranked []RankedGene, hits []int) (float64, int) {
	sumW := 0.0
	for _, p := range hits {
		sumW += math.Abs(ranked[p].Score)
	}
	if sumW == 0 {
		// degenerate all-zero scores: weight hits equally
		sumW = float64(len(hits))
	}
	missDec := 1 / float64(len(ranked)-len(hits))
	running := 0.0
	best := 0.0
	peak := 0
	h := 0
	for i := range ranked {
		if h < len(hits) && hits[h] == i {
			w := math.Abs(ranked[i].Score)
			if w == 0 {
				w = 1
			}
			running += w / sumW
			h++
		} else {
			running -= missDec
		}
		if math.Abs(running) > math.Abs(best) {
			best = running
			peak = i
		}
	}
	return best, peak
}

// leadingEdge returns the hit genes driving the enrichment score: up
// to and including the peak for a positive score, from the peak on for
// a negative one, ordered by rank.
func leadingEdge(ranked []RankedGene, hits []int, es float64, peak int) []string {
	var edge []string
	for _, p := range hits {
		if es >= 0 && p <= peak {
			edge = append(edge, ranked[p].ID)
		} else if es < 0 && p >= peak {
			edge = append(edge, ranked[p].ID)
		}
	}
	return edge
}

// samplePositions fills out with a uniform random draw of distinct
// positions in [0,n), sorted ascending (gene-label permutation).
func samplePositions(rng *rand.Rand, n int, out []int) {
	seen := make(map[int]bool, len(out))
	for i := range out {
		p := rng.Intn(n)
		for seen[p] {
			p = rng.Intn(n)
		}
		seen[p] = true
		out[i] = p
	}
	sort.Ints(out)
}

// SymbolMapper translates gene symbols into a pathway database's
// identifier namespace. Symbols with no mapping are omitted from the
// returned map; this is a documented lossy step, not an error.
type SymbolMapper interface {
	MapSymbols(symbols []string) (map[string]string, error)
}

// RankFromDE builds a descending ranked list from DE results using
// avg_log2FC as the score, mapping symbols through mapper and dropping
// genes with no mapping.
func RankFromDE(results []DEResult, mapper SymbolMapper) ([]RankedGene, error) {
	symbols := make([]string, len(results))
	for i, r := range results {
		symbols[i] = r.Gene
	}
	mapping, err := mapper.MapSymbols(symbols)
	if err != nil {
		return nil, err
	}
	var ranked []RankedGene
	for _, r := range results {
		if id, ok := mapping[r.Gene]; ok {
			ranked = append(ranked, RankedGene{ID: id, Score: r.AvgLog2FC})
		}
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].Score != ranked[b].Score {
			return ranked[a].Score > ranked[b].Score
		}
		return ranked[a].ID < ranked[b].ID
	})
	if dropped := len(results) - len(ranked); dropped > 0 {
		log.WithField("dropped", dropped).Info("genes without ortholog mapping removed from ranked list")
	}
	return ranked, nil
}

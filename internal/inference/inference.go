/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Ancestry - Continental and local ancestry inference from consumer
 * SNP genotype data.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package inference is the boundary between the core pipeline and its
// callers: it owns no process-global state, taking every handle (AIM
// database, reference panel) as an explicit argument, and enforces the
// ordering and error-handling rules for a full end-to-end run: parse,
// intersect against the available reference data, then score.
package inference

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/zymatik-com/ancestry/internal/admixture"
	"github.com/zymatik-com/ancestry/internal/aimdb"
	"github.com/zymatik-com/ancestry/internal/ancestryconfig"
	"github.com/zymatik-com/ancestry/internal/errs"
	"github.com/zymatik-com/ancestry/internal/hmm"
	"github.com/zymatik-com/ancestry/internal/overlap"
	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/panelinfer"
	"github.com/zymatik-com/ancestry/internal/segment"
	"github.com/zymatik-com/ancestry/internal/types"
)

// defaultChromosomeLengths are the GRCh38 autosome/X lengths used to cap
// the final segment of each chromosome when the last marker isn't at the
// chromosome's true end. Y and MT are local-ancestry uninformative and are
// never segmented.
var defaultChromosomeLengths = map[types.Chromosome]int64{
	"1": 248_956_422, "2": 242_193_529, "3": 198_295_559, "4": 190_214_555,
	"5": 181_538_259, "6": 170_805_979, "7": 159_345_973, "8": 145_138_636,
	"9": 138_394_717, "10": 133_797_422, "11": 135_086_622, "12": 133_275_309,
	"13": 114_364_328, "14": 107_043_718, "15": 101_991_189, "16": 90_338_345,
	"17": 83_257_441, "18": 80_373_285, "19": 58_617_616, "20": 64_444_167,
	"21": 46_709_983, "22": 50_818_468, "X": 156_040_895,
}

// References bundles the two read-only reference handles an inference run
// needs. A reference panel is optional; without one, panel inference and
// local-ancestry (which needs per-marker genotype frequencies at far higher
// density than the AIM set provides) are unavailable, and the composition
// method downgrades to "em" instead of "combined".
type References struct {
	AIMs  *aimdb.DB
	Panel *panel.Panel
}

// ParseFile enforces the minimum-valid-rows threshold on a genotype file
// that snparray has already parsed (see snparray.LoadFile for the on-disk
// path); it does no parsing of its own.
func ParseFile(parsed *types.ParsedFile, cfg ancestryconfig.Config) error {
	if parsed.SNPCount() < cfg.MinValidRows {
		return fmt.Errorf("%w: only %d valid rows, need at least %d", errs.ErrUnrecognisedFormat, parsed.SNPCount(), cfg.MinValidRows)
	}
	return nil
}

// InferAdmixture runs the full continental-composition pipeline: overlap
// against the AIM database feeds the EM solver unconditionally, and, when
// a reference panel is available, panel inference runs concurrently and
// its k-NN/likelihood outputs are combined with EM's into a single
// "combined" result. Markers overlapping below
// cfg.InsufficientMarkerThreshold abort the whole run.
func InferAdmixture(ctx context.Context, parsed *types.ParsedFile, refs References, cfg ancestryconfig.Config) (types.CompositionResult, error) {
	if refs.AIMs == nil {
		return types.CompositionResult{}, fmt.Errorf("%w: no aim database loaded", errs.ErrReferenceUnavailable)
	}

	aimLookup := func(rsid string) (overlap.MarkerInfo, bool) {
		m, ok := refs.AIMs.Lookup(rsid)
		if !ok {
			return overlap.MarkerInfo{}, false
		}
		return overlap.MarkerInfo{Ref: m.Ref, Alt: m.Alt, Frequencies: m.Frequencies}, true
	}

	aimDosage := overlap.Index(parsed, refs.AIMs.RSIDs(), aimLookup)
	if len(aimDosage.RSIDs) < cfg.InsufficientMarkerThreshold {
		return types.CompositionResult{}, fmt.Errorf("%w: only %d markers overlapped the aim database", errs.ErrInsufficientMarkers, len(aimDosage.RSIDs))
	}

	emResult, emErr := admixture.Run(aimDosage)

	if refs.Panel == nil {
		return types.CompositionResult{
			Continental: emResult.Proportions,
			Method:      types.MethodEM,
			MarkersUsed: emResult.MarkersUsed,
			Confidence:  emResult.Confidence,
			Errors:      emErr,
		}, nil
	}

	// Panel markers also need ref/alt, which only the AIM database
	// carries (see internal/overlap's doc comment): restrict to the
	// panel/AIM intersection.
	panelTargets := intersectRSIDs(refs.Panel.RSIDs(), refs.AIMs)
	panelDosage := overlap.Index(parsed, panelTargets, aimLookup)

	scorer := panelinfer.New(refs.Panel)

	var knnResult, likelihoodResult types.CompositionResult
	var knnErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		knnResult, err = scorer.ContinentalKNN(gctx, panelDosage, cfg.KNNNeighbors)
		knnErr = err
		return err
	})
	g.Go(func() error {
		likelihoodResult = scorer.ContinentalLikelihood(panelDosage)
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.CompositionResult{}, knnErr
	}

	combined := combineThree(emResult.Proportions, knnResult.Continental, likelihoodResult.Continental)

	markersUsed := emResult.MarkersUsed
	if len(panelDosage.RSIDs) > markersUsed {
		markersUsed = len(panelDosage.RSIDs)
	}

	return types.CompositionResult{
		Continental: combined,
		Neighbors:   knnResult.Neighbors,
		Method:      types.MethodCombined,
		MarkersUsed: markersUsed,
		Confidence:  worseConfidence(emResult.Confidence, likelihoodResult.Confidence),
		Errors:      emErr,
	}, nil
}

// InferLocalAncestry runs the HMM over every autosome and X, using the AIM
// database's per-marker frequencies restricted to markers the reference
// panel also carries (so the panel still bounds which loci are dense
// enough to be informative), then segments the per-locus posteriors. It
// requires both a reference panel and an AIM database.
func InferLocalAncestry(ctx context.Context, parsed *types.ParsedFile, refs References, prior types.Proportions, parent types.Parent) ([]types.Segment, error) {
	if refs.Panel == nil || refs.AIMs == nil {
		return nil, fmt.Errorf("%w: local ancestry requires both an aim database and a reference panel", errs.ErrReferenceUnavailable)
	}

	aimLookup := func(rsid string) (overlap.MarkerInfo, bool) {
		m, ok := refs.AIMs.Lookup(rsid)
		if !ok {
			return overlap.MarkerInfo{}, false
		}
		return overlap.MarkerInfo{Ref: m.Ref, Alt: m.Alt, Frequencies: m.Frequencies}, true
	}

	targets := intersectRSIDs(refs.Panel.RSIDs(), refs.AIMs)
	dosage := overlap.Index(parsed, targets, aimLookup)

	byChromosome, order := groupByChromosome(refs.AIMs, dosage)

	var allLoci []segment.MarkerLocus

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]hmm.MarkerResult, len(order))
	markersByChrom := make([][]hmm.Marker, len(order))

	for i, chrom := range order {
		i, chrom := i, chrom
		markers := byChromosome[chrom]
		markersByChrom[i] = markers

		g.Go(func() error {
			res, err := hmm.RunChromosome(gctx, markers, prior)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, chrom := range order {
		markers := markersByChrom[i]
		res := results[i]
		for j, m := range markers {
			allLoci = append(allLoci, segment.MarkerLocus{
				Chromosome: chrom,
				Position:   m.Position,
				Result:     res[j],
			})
		}
	}

	return segment.Build(allLoci, parent, defaultChromosomeLengths), nil
}

// intersectRSIDs restricts the panel's marker list to those the AIM
// database also knows about, preserving the panel's original order.
func intersectRSIDs(panelRSIDs []string, aims *aimdb.DB) []string {
	out := make([]string, 0, len(panelRSIDs))
	for _, rsid := range panelRSIDs {
		if aims.MightContain(rsid) {
			out = append(out, rsid)
		}
	}
	return out
}

// groupByChromosome builds the per-chromosome hmm.Marker slices needed by
// InferLocalAncestry, sorted by position, using the AIM database for each
// marker's chromosome/position and per-population frequencies. Markers on
// chromosomes outside defaultChromosomeLengths (Y, MT) are left out.
func groupByChromosome(aims *aimdb.DB, dosage *types.AlignedDosage) (map[types.Chromosome][]hmm.Marker, []types.Chromosome) {
	type located struct {
		chrom    types.Chromosome
		position int64
		marker   hmm.Marker
	}

	var all []located
	for i, rsid := range dosage.RSIDs {
		m, ok := aims.Lookup(rsid)
		if !ok {
			continue
		}
		if _, segmented := defaultChromosomeLengths[m.Chromosome]; !segmented {
			continue // Y and MT
		}
		all = append(all, located{
			chrom:    m.Chromosome,
			position: m.Position,
			marker: hmm.Marker{
				Position:    m.Position,
				Dosage:      dosage.Dosages[i],
				Frequencies: dosage.Frequencies[i],
				HasFreq:     true,
			},
		})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].chrom != all[j].chrom {
			return all[i].chrom < all[j].chrom
		}
		return all[i].position < all[j].position
	})

	byChromosome := make(map[types.Chromosome][]hmm.Marker)
	var order []types.Chromosome
	for _, l := range all {
		if _, ok := byChromosome[l.chrom]; !ok {
			order = append(order, l.chrom)
		}
		byChromosome[l.chrom] = append(byChromosome[l.chrom], l.marker)
	}

	return byChromosome, order
}

// combineThree averages EM, k-NN, and likelihood continental proportions
// with equal weight and renormalises into a single "combined" estimate.
func combineThree(em, knn, likelihood types.Proportions) types.Proportions {
	var out types.Proportions
	for _, pop := range types.Populations {
		out[pop] = (em[pop] + knn[pop] + likelihood[pop]) / 3
	}
	out.Normalize()
	return out
}

var confidenceRank = map[types.Confidence]int{
	types.ConfidenceHigh:     2,
	types.ConfidenceModerate: 1,
	types.ConfidenceLow:      0,
}

func worseConfidence(a, b types.Confidence) types.Confidence {
	if confidenceRank[a] <= confidenceRank[b] {
		return a
	}
	return b
}

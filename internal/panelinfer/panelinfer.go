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

// Package panelinfer implements panel inference: continental k-NN,
// continental likelihood, and sub-population refinement, all scored
// against the packed reference panel. The per-marker population allele
// frequencies this package works with are always recomputed from the
// panel's own genotype matrix, not taken from the AIM database — the AIM
// database is only consulted (via the caller's overlap.Index) to learn
// each marker's ref/alt so the user's raw calls can be turned into the same
// 0/1/2 dosage convention the panel already uses.
package panelinfer

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/types"
)

const (
	defaultK          = 20
	subpopK           = 50
	subpopTopMarkers  = 500
	subpopWeightScale = 100.0
	minFreq           = 0.001
	maxFreq           = 0.999
	maxWorkers        = 8
)

// Scorer runs panel inference against a loaded reference panel.
type Scorer struct {
	panel    *panel.Panel
	excluded int // sample index to omit from every computation, or -1
}

func New(p *panel.Panel) *Scorer {
	return &Scorer{panel: p, excluded: -1}
}

// WithExcludedSample returns a Scorer that behaves identically except that
// the reference panel sample at idx is treated as absent everywhere: not a
// similarity candidate, not counted into any group's allele frequency. This
// is what the leave-one-out validation harness uses to score a panel
// sample against the rest of the panel without that sample.
func (s *Scorer) WithExcludedSample(idx int) *Scorer {
	return &Scorer{panel: s.panel, excluded: idx}
}

// sampleSimilarity is one reference sample's identity-by-state similarity
// to the user, computed over the shared non-missing markers of dosage.
type sampleSimilarity struct {
	index      int
	similarity float64
	shared     int
}

// similarities computes IBS similarity between the user and every panel
// sample over dosage's markers, in parallel batches of samples.
func (s *Scorer) similarities(ctx context.Context, dosage *types.AlignedDosage) ([]sampleSimilarity, error) {
	n := s.panel.NumSamples()

	rows := make([][]byte, len(dosage.RSIDs))
	for i, rsid := range dosage.RSIDs {
		row, ok := s.panel.Dosages(rsid)
		if !ok {
			continue
		}
		rows[i] = row
	}

	results := make([]sampleSimilarity, n)
	for i := range results {
		results[i] = sampleSimilarity{index: i, similarity: -1}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	batchSize := (n + maxWorkers - 1) / maxWorkers
	if batchSize < 1 {
		batchSize = 1
	}

	for start := 0; start < n; start += batchSize {
		start := start
		end := start + batchSize
		if end > n {
			end = n
		}

		g.Go(func() error {
			for sampleIdx := start; sampleIdx < end; sampleIdx++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				if sampleIdx == s.excluded {
					continue
				}

				var total float64
				var shared int

				for m, d := range dosage.Dosages {
					row := rows[m]
					if row == nil {
						continue
					}
					ref := row[sampleIdx]
					if panel.IsMissing(ref) {
						continue
					}

					total += 2 - math.Abs(float64(d)-float64(ref))
					shared++
				}

				sim := 0.0
				if shared > 0 {
					sim = total / (2 * float64(shared))
				}

				results[sampleIdx] = sampleSimilarity{index: sampleIdx, similarity: sim, shared: shared}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// topK selects the k highest-similarity samples, breaking ties in favour of
// the larger original sample index. Entries with a negative similarity (an
// excluded sample) are never selected.
func topK(sims []sampleSimilarity, k int) []sampleSimilarity {
	sorted := make([]sampleSimilarity, 0, len(sims))
	for _, sim := range sims {
		if sim.similarity < 0 {
			continue
		}
		sorted = append(sorted, sim)
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].similarity != sorted[j].similarity {
			return sorted[i].similarity > sorted[j].similarity
		}
		return sorted[i].index > sorted[j].index
	})

	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// ContinentalKNN is the basic k-NN continental ancestry method.
func (s *Scorer) ContinentalKNN(ctx context.Context, dosage *types.AlignedDosage, k int) (types.CompositionResult, error) {
	if k <= 0 {
		k = defaultK
	}

	sims, err := s.similarities(ctx, dosage)
	if err != nil {
		return types.CompositionResult{}, err
	}

	neighbors := topK(sims, k)

	var proportions types.Proportions
	sampleInfo := s.panel.SampleInfo()
	indexToInfo := make(map[int]types.SampleInfo, len(sampleInfo))
	for _, info := range sampleInfo {
		indexToInfo[info.Index] = info
	}

	result := types.CompositionResult{Method: types.MethodKNN, MarkersUsed: len(dosage.RSIDs)}

	for _, n := range neighbors {
		info, ok := indexToInfo[n.index]
		if !ok {
			continue
		}
		proportions[info.Superpopulation]++
		result.Neighbors = append(result.Neighbors, types.Neighbor{SampleID: info.ID, Similarity: n.similarity})
	}

	if len(neighbors) > 0 {
		for _, pop := range types.Populations {
			proportions[pop] /= float64(len(neighbors))
		}
	}

	result.Continental = proportions
	result.Confidence = confidenceFor(len(dosage.RSIDs))

	return result, nil
}

// markerFrequencies computes, for one marker's decoded panel row, the
// non-missing alt-allele frequency within each of the given sample-index
// groups. Populations without a group keep a zero entry. ok is false if
// groups is empty or any group has zero observed samples.
func markerFrequencies(row []byte, groups map[types.Population][]int) (types.Proportions, bool) {
	var freqs types.Proportions
	if len(groups) == 0 {
		return freqs, false
	}

	for _, pop := range types.Populations {
		indices, ok := groups[pop]
		if !ok || len(indices) == 0 {
			continue
		}

		var sum float64
		var n int
		for _, idx := range indices {
			d := row[idx]
			if panel.IsMissing(d) {
				continue
			}
			sum += float64(d)
			n++
		}

		if n == 0 {
			return freqs, false
		}

		freqs[pop] = clamp(sum / (2 * float64(n)))
	}

	return freqs, true
}

func clamp(p float64) float64 {
	if p < minFreq {
		return minFreq
	}
	if p > maxFreq {
		return maxFreq
	}
	return p
}

func hwe(dosage uint8, p float64) float64 {
	switch dosage {
	case 0:
		return (1 - p) * (1 - p)
	case 1:
		return 2 * p * (1 - p)
	case 2:
		return p * p
	default:
		return 0
	}
}

// ContinentalLikelihood is the per-population likelihood method.
func (s *Scorer) ContinentalLikelihood(dosage *types.AlignedDosage) types.CompositionResult {
	groups := make(map[types.Population][]int, types.NumPopulations)
	for _, pop := range types.Populations {
		if indices := s.withoutExcluded(s.panel.SamplesBySuperpopulation(pop)); len(indices) > 0 {
			groups[pop] = indices
		}
	}

	// A population with no reference samples gets zero weight.
	var logLikelihoods types.Proportions
	for _, pop := range types.Populations {
		if _, ok := groups[pop]; !ok && len(groups) > 0 {
			logLikelihoods[pop] = math.Inf(-1)
		}
	}
	markersUsed := 0

	for i, rsid := range dosage.RSIDs {
		row, ok := s.panel.Dosages(rsid)
		if !ok {
			continue
		}

		freqs, ok := markerFrequencies(row, groups)
		if !ok {
			continue
		}

		markersUsed++
		for pop := range groups {
			logLikelihoods[pop] += math.Log(hwe(dosage.Dosages[i], freqs[pop]))
		}
	}

	proportions := softmax(logLikelihoods)

	return types.CompositionResult{
		Continental: proportions,
		Method:      types.MethodLikelihood,
		MarkersUsed: markersUsed,
		Confidence:  confidenceFor(markersUsed),
	}
}

// softmax exponentiates and normalises a vector of log-likelihoods,
// subtracting the max first for numerical stability.
func softmax(logs types.Proportions) types.Proportions {
	max := logs[0]
	for _, pop := range types.Populations {
		if logs[pop] > max {
			max = logs[pop]
		}
	}

	var out types.Proportions
	var total float64
	for _, pop := range types.Populations {
		out[pop] = math.Exp(logs[pop] - max)
		total += out[pop]
	}
	if total > 0 {
		for _, pop := range types.Populations {
			out[pop] /= total
		}
	}
	return out
}

func confidenceFor(markersUsed int) types.Confidence {
	switch {
	case markersUsed >= 2000:
		return types.ConfidenceHigh
	case markersUsed >= 500:
		return types.ConfidenceModerate
	default:
		return types.ConfidenceLow
	}
}

// SubpopulationPosteriors holds the three posteriors SubpopulationRefinement
// computes over a continent's subpopulations: the standalone weighted k-NN
// posterior, the standalone per-subpopulation likelihood posterior, and
// their geometric-mean combination. All three are keyed by subpopulation
// code (e.g. "CEU", "YRI") and, when non-empty, sum to 1.
type SubpopulationPosteriors struct {
	WeightedKNN map[string]float64
	Likelihood  map[string]float64
	Combined    map[string]float64
}

// SubpopulationRefinement restricts to the markers with the highest FST
// between a continent's subpopulations, then scores weighted k-NN and
// per-subpopulation likelihood independently before combining them via a
// geometric mean. Returns a zero SubpopulationPosteriors (all nil maps) when
// the continent has fewer than two subpopulations in the panel.
func (s *Scorer) SubpopulationRefinement(ctx context.Context, dosage *types.AlignedDosage, continent types.Population) (SubpopulationPosteriors, error) {
	subpopGroups := s.continentSubpopulations(continent)
	if len(subpopGroups) < 2 {
		return SubpopulationPosteriors{}, nil
	}

	var ranked []markerFST
	subpopFreqs := make([]map[string]float64, len(dosage.RSIDs))

	for i, rsid := range dosage.RSIDs {
		row, ok := s.panel.Dosages(rsid)
		if !ok {
			continue
		}

		freqs, ok := subpopulationFrequencies(row, subpopGroups)
		if !ok {
			continue
		}
		subpopFreqs[i] = freqs

		fst := weirCockerhamFST(freqs, subpopGroups)
		ranked = append(ranked, markerFST{index: i, fst: fst})
	}

	sort.Slice(ranked, func(a, b int) bool { return ranked[a].fst > ranked[b].fst })

	top := subpopTopMarkers
	if top > len(ranked) {
		top = len(ranked)
	}
	selected := ranked[:top]

	// Weighted k-NN restricted to the selected markers.
	knnPosterior, err := s.weightedSubpopKNN(ctx, dosage, selected, subpopGroups)
	if err != nil {
		return SubpopulationPosteriors{}, err
	}

	likelihoodPosterior := subpopulationLikelihood(dosage, selected, subpopFreqs, subpopGroups)

	return SubpopulationPosteriors{
		WeightedKNN: knnPosterior,
		Likelihood:  likelihoodPosterior,
		Combined:    combineGeometricMean(knnPosterior, likelihoodPosterior),
	}, nil
}

// markerFST pairs a selected marker's index in the dosage vector with its
// subpopulation FST score.
type markerFST struct {
	index int
	fst   float64
}

func (s *Scorer) continentSubpopulations(continent types.Population) map[string][]int {
	groups := make(map[string][]int)
	for _, info := range s.panel.SampleInfo() {
		if info.Superpopulation != continent || info.Index == s.excluded {
			continue
		}
		groups[info.Population] = append(groups[info.Population], info.Index)
	}
	return groups
}

// withoutExcluded returns indices with the Scorer's excluded sample (if
// any) filtered out, leaving the input untouched when there is none.
func (s *Scorer) withoutExcluded(indices []int) []int {
	if s.excluded < 0 {
		return indices
	}
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx != s.excluded {
			out = append(out, idx)
		}
	}
	return out
}

func subpopulationFrequencies(row []byte, groups map[string][]int) (map[string]float64, bool) {
	freqs := make(map[string]float64, len(groups))
	for code, indices := range groups {
		var sum float64
		var n int
		for _, idx := range indices {
			d := row[idx]
			if panel.IsMissing(d) {
				continue
			}
			sum += float64(d)
			n++
		}
		if n == 0 {
			return nil, false
		}
		freqs[code] = clamp(sum / (2 * float64(n)))
	}
	return freqs, true
}

// weirCockerhamFST computes a sample-size-weighted FST across an arbitrary
// number of subpopulation groups: FST = (H_T - H_S) / H_T, where H_T is the
// expected heterozygosity under the pooled (weighted mean) allele frequency
// and H_S is the sample-size-weighted mean of each group's own expected
// heterozygosity. This generalises the standard five-population formula to
// however many subpopulations exist within one continent.
func weirCockerhamFST(freqs map[string]float64, groups map[string][]int) float64 {
	var weightedSum, totalWeight, hS float64

	for code, p := range freqs {
		n := float64(len(groups[code]))
		weightedSum += p * n
		totalWeight += n
		hS += n * 2 * p * (1 - p)
	}

	if totalWeight == 0 {
		return 0
	}

	pBar := weightedSum / totalWeight
	hS /= totalWeight
	hT := 2 * pBar * (1 - pBar)

	if hT <= 0 {
		return 0
	}

	fst := (hT - hS) / hT
	if fst < 0 {
		return 0
	}
	if fst > 1 {
		return 1
	}
	return fst
}

func (s *Scorer) weightedSubpopKNN(ctx context.Context, dosage *types.AlignedDosage, selected []markerFST, groups map[string][]int) (map[string]float64, error) {
	n := s.panel.NumSamples()
	rows := make(map[int][]byte, len(selected))
	for _, sel := range selected {
		rsid := dosage.RSIDs[sel.index]
		row, ok := s.panel.Dosages(rsid)
		if ok {
			rows[sel.index] = row
		}
	}

	sims := make([]sampleSimilarity, n)
	for sampleIdx := 0; sampleIdx < n; sampleIdx++ {
		var total float64
		var shared int
		for _, sel := range selected {
			row, ok := rows[sel.index]
			if !ok {
				continue
			}
			ref := row[sampleIdx]
			if panel.IsMissing(ref) {
				continue
			}
			total += 2 - math.Abs(float64(dosage.Dosages[sel.index])-float64(ref))
			shared++
		}
		sim := 0.0
		if shared > 0 {
			sim = total / (2 * float64(shared))
		}
		sims[sampleIdx] = sampleSimilarity{index: sampleIdx, similarity: sim, shared: shared}
	}

	// Only consider samples within the continent under study.
	var inContinent []sampleSimilarity
	allowed := make(map[int]bool)
	for _, idxs := range groups {
		for _, idx := range idxs {
			allowed[idx] = true
		}
	}
	for _, sim := range sims {
		if allowed[sim.index] {
			inContinent = append(inContinent, sim)
		}
	}

	neighbors := topK(inContinent, subpopK)
	if len(neighbors) == 0 {
		return map[string]float64{}, nil
	}

	sMin := neighbors[len(neighbors)-1].similarity

	indexToCode := make(map[int]string)
	for code, idxs := range groups {
		for _, idx := range idxs {
			indexToCode[idx] = code
		}
	}

	weights := make(map[string]float64)
	var totalWeight float64
	for _, n := range neighbors {
		w := math.Exp(subpopWeightScale * (n.similarity - sMin))
		weights[indexToCode[n.index]] += w
		totalWeight += w
	}

	if totalWeight > 0 {
		for code := range weights {
			weights[code] /= totalWeight
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return weights, nil
}

func subpopulationLikelihood(dosage *types.AlignedDosage, selected []markerFST, subpopFreqs []map[string]float64, groups map[string][]int) map[string]float64 {
	logLikelihoods := make(map[string]float64, len(groups))
	for code := range groups {
		logLikelihoods[code] = 0
	}

	for _, sel := range selected {
		freqs := subpopFreqs[sel.index]
		if freqs == nil {
			continue
		}
		for code, p := range freqs {
			logLikelihoods[code] += math.Log(hwe(dosage.Dosages[sel.index], p))
		}
	}

	max := math.Inf(-1)
	for _, l := range logLikelihoods {
		if l > max {
			max = l
		}
	}

	out := make(map[string]float64, len(logLikelihoods))
	var total float64
	for code, l := range logLikelihoods {
		v := math.Exp(l - max)
		out[code] = v
		total += v
	}
	if total > 0 {
		for code := range out {
			out[code] /= total
		}
	}
	return out
}

// combineGeometricMean combines two posteriors over the same (open)
// subpopulation codes via a geometric mean, renormalised to sum to 1.
func combineGeometricMean(a, b map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	var total float64
	for code, pa := range a {
		pb, ok := b[code]
		if !ok {
			continue
		}
		v := math.Sqrt(pa * pb)
		out[code] = v
		total += v
	}
	if total > 0 {
		for code := range out {
			out[code] /= total
		}
	}
	return out
}

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

// Package segment implements the segmenter: it walks the HMM's per-marker
// ancestry labels and merges them into contiguous, chromosome-keyed
// local-ancestry segments.
package segment

import (
	"github.com/zymatik-com/ancestry/internal/hmm"
	"github.com/zymatik-com/ancestry/internal/types"
)

// mergeThresholdBP is the minimum segment length (500kb) below which a
// segment whose neighbours share a label is folded into the longer one.
const mergeThresholdBP = 500_000

// MarkerLocus pairs an hmm.MarkerResult with its chromosome position, so
// the segmenter can run over the whole genome in one call while still
// keying output by chromosome.
type MarkerLocus struct {
	Chromosome types.Chromosome
	Position   int64
	Result     hmm.MarkerResult
}

// Build walks markers (already ordered by chromosome, then position) and
// emits contiguous ancestry segments, merging a run shorter than 500kb into
// the longer of its neighbours when both neighbours share a label (a short
// run at either end of a chromosome goes into its only neighbour). parent
// labels every emitted segment (unphased
// callers pass types.ParentUnphased for every locus; phased callers run
// Build twice, once per haplotype).
func Build(markers []MarkerLocus, parent types.Parent, chromosomeLengths map[types.Chromosome]int64) []types.Segment {
	byChromosome := make(map[types.Chromosome][]MarkerLocus)
	var order []types.Chromosome
	for _, m := range markers {
		if _, ok := byChromosome[m.Chromosome]; !ok {
			order = append(order, m.Chromosome)
		}
		byChromosome[m.Chromosome] = append(byChromosome[m.Chromosome], m)
	}

	var all []types.Segment
	for _, chrom := range order {
		segs := buildChromosome(chrom, byChromosome[chrom], parent, chromosomeLengths[chrom])
		all = append(all, segs...)
	}
	return all
}

func buildChromosome(chrom types.Chromosome, markers []MarkerLocus, parent types.Parent, chromLength int64) []types.Segment {
	if len(markers) == 0 {
		return nil
	}

	type run struct {
		label      types.Population
		start      int64
		end        int64
		confidence types.Confidence
	}

	var runs []run
	for i, m := range markers {
		label := m.Result.Label
		conf := m.Result.Confidence

		end := m.Position
		if i+1 < len(markers) {
			end = markers[i+1].Position
		} else if chromLength > m.Position {
			end = chromLength
		} else {
			end = m.Position + 1
		}

		if len(runs) > 0 && runs[len(runs)-1].label == label {
			runs[len(runs)-1].end = end
			if worseConfidence(conf, runs[len(runs)-1].confidence) {
				runs[len(runs)-1].confidence = conf
			}
			continue
		}

		runs = append(runs, run{label: label, start: m.Position, end: end, confidence: conf})
	}

	// Merge runs shorter than mergeThresholdBP whose two neighbours share a
	// label into whichever neighbour is longer (a short run at either end
	// goes into its only neighbour), repeating until no further merge
	// applies or only one run remains. Re-running to a fixed point handles a
	// short run created by merging two previously-adjacent short runs.
	for {
		mergedAny := false
		for i := 0; i < len(runs); i++ {
			if runs[i].end-runs[i].start >= mergeThresholdBP || len(runs) == 1 {
				continue
			}

			switch {
			case i > 0 && i+1 < len(runs):
				left, right := runs[i-1], runs[i+1]
				if left.label != right.label {
					continue
				}
				if (left.end - left.start) >= (right.end - right.start) {
					runs[i-1].end = runs[i].end
					if worseConfidence(runs[i].confidence, runs[i-1].confidence) {
						runs[i-1].confidence = runs[i].confidence
					}
				} else {
					runs[i+1].start = runs[i].start
					if worseConfidence(runs[i].confidence, runs[i+1].confidence) {
						runs[i+1].confidence = runs[i].confidence
					}
				}
				runs = append(runs[:i], runs[i+1:]...)
				mergedAny = true
			case i > 0:
				runs[i-1].end = runs[i].end
				if worseConfidence(runs[i].confidence, runs[i-1].confidence) {
					runs[i-1].confidence = runs[i].confidence
				}
				runs = append(runs[:i], runs[i+1:]...)
				mergedAny = true
			case i+1 < len(runs):
				runs[i+1].start = runs[i].start
				if worseConfidence(runs[i].confidence, runs[i+1].confidence) {
					runs[i+1].confidence = runs[i].confidence
				}
				runs = append(runs[:i], runs[i+1:]...)
				mergedAny = true
			}
			break
		}
		if !mergedAny {
			break
		}
	}

	// Adjacent runs can now share a label again after merging; fold those
	// together too so adjacent segments with identical category are
	// always merged.
	segments := make([]types.Segment, 0, len(runs))
	for _, r := range runs {
		if len(segments) > 0 && segments[len(segments)-1].Category == r.label && segments[len(segments)-1].Parent == parent {
			segments[len(segments)-1].End = r.end
			if worseConfidence(r.confidence, segments[len(segments)-1].Confidence) {
				segments[len(segments)-1].Confidence = r.confidence
			}
			continue
		}
		segments = append(segments, types.Segment{
			Chromosome: chrom,
			Start:      r.start,
			End:        r.end,
			Category:   r.label,
			Confidence: r.confidence,
			Parent:     parent,
		})
	}

	return segments
}

var confidenceRank = map[types.Confidence]int{
	types.ConfidenceHigh:     2,
	types.ConfidenceModerate: 1,
	types.ConfidenceLow:      0,
}

// worseConfidence reports whether candidate is a lower confidence than
// current — segment confidence is the minimum marker-level confidence
// within the run.
func worseConfidence(candidate, current types.Confidence) bool {
	return confidenceRank[candidate] < confidenceRank[current]
}

// ByChromosome groups segments by chromosome, preserving each chromosome's
// internal ordering.
func ByChromosome(segments []types.Segment) map[types.Chromosome][]types.Segment {
	out := make(map[types.Chromosome][]types.Segment)
	for _, s := range segments {
		out[s.Chromosome] = append(out[s.Chromosome], s)
	}
	return out
}

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

package segment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/hmm"
	"github.com/zymatik-com/ancestry/internal/segment"
	"github.com/zymatik-com/ancestry/internal/types"
)

func markerLocus(chrom types.Chromosome, pos int64, label types.Population) segment.MarkerLocus {
	return segment.MarkerLocus{
		Chromosome: chrom,
		Position:   pos,
		Result:     hmm.MarkerResult{Label: label, Confidence: types.ConfidenceHigh},
	}
}

func TestBuild_TilesChromosome(t *testing.T) {
	var markers []segment.MarkerLocus
	for i := int64(0); i < 1000; i++ {
		label := types.EUR
		if i >= 500 {
			label = types.AFR
		}
		markers = append(markers, markerLocus("1", i*1_000_000+1, label))
	}

	segments := segment.Build(markers, types.ParentUnphased, map[types.Chromosome]int64{"1": 1_000_000_001})

	require.NotEmpty(t, segments)

	for i := 1; i < len(segments); i++ {
		assert.Equal(t, segments[i-1].Chromosome, segments[i].Chromosome)
		assert.LessOrEqual(t, segments[i-1].End, segments[i].Start)
		assert.NotEqual(t, segments[i-1].Category, segments[i].Category)
	}

	for _, s := range segments {
		assert.Less(t, s.Start, s.End)
	}

	assert.Equal(t, markers[0].Position, segments[0].Start)
	assert.Equal(t, int64(1_000_000_001), segments[len(segments)-1].End)
}

func TestBuild_Idempotent(t *testing.T) {
	var markers []segment.MarkerLocus
	labels := []types.Population{types.EUR, types.EUR, types.AFR, types.AFR, types.AFR, types.EAS}
	for i, label := range labels {
		markers = append(markers, markerLocus("2", int64(i)*1_000_000+1, label))
	}

	lengths := map[types.Chromosome]int64{"2": 6_000_001}

	first := segment.Build(markers, types.ParentUnphased, lengths)
	second := segment.Build(markers, types.ParentUnphased, lengths)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i], second[i])
	}
}

func TestBuild_MergesShortRuns(t *testing.T) {
	var markers []segment.MarkerLocus
	// A long EUR run, a short (100kb) AFR blip, then a long EUR run again:
	// the short run should be absorbed and the whole thing reported as EUR.
	for i := int64(0); i < 10; i++ {
		markers = append(markers, markerLocus("3", i*1_000_000+1, types.EUR))
	}
	markers = append(markers, markerLocus("3", 10_000_001, types.AFR))
	markers = append(markers, markerLocus("3", 10_100_001, types.EUR))
	for i := int64(11); i < 20; i++ {
		markers = append(markers, markerLocus("3", i*1_000_000+1, types.EUR))
	}

	segments := segment.Build(markers, types.ParentUnphased, map[types.Chromosome]int64{"3": 20_000_001})

	require.Len(t, segments, 1)
	assert.Equal(t, types.EUR, segments[0].Category)
}

func TestBuild_NonOverlapping(t *testing.T) {
	var markers []segment.MarkerLocus
	for i := int64(0); i < 50; i++ {
		label := types.Population(i % 5)
		markers = append(markers, markerLocus("X", i*2_000_000+1, label))
	}

	segments := segment.Build(markers, types.ParentMaternal, map[types.Chromosome]int64{"X": 100_000_001})

	for i := 1; i < len(segments); i++ {
		assert.LessOrEqual(t, segments[i-1].End, segments[i].Start)
	}
	for _, s := range segments {
		assert.Equal(t, types.ParentMaternal, s.Parent)
	}
}

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

package admixture_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/admixture"
	"github.com/zymatik-com/ancestry/internal/types"
)

// syntheticDosage builds an aligned dosage vector for a simulated individual
// whose genome is a mix of the given population weights.
func syntheticDosage(n int, weights types.Proportions, seed int64) *types.AlignedDosage {
	rnd := rand.New(rand.NewSource(seed))

	dosage := &types.AlignedDosage{
		RSIDs:       make([]string, n),
		Dosages:     make([]uint8, n),
		Frequencies: make([]types.Proportions, n),
	}

	for i := 0; i < n; i++ {
		var freqs types.Proportions
		for _, pop := range types.Populations {
			freqs[pop] = 0.05 + rnd.Float64()*0.9
		}
		dosage.Frequencies[i] = freqs

		// Pick the ancestry of each allele copy according to weights, then
		// draw a Bernoulli allele from that population's frequency.
		var dosageVal uint8
		for allele := 0; allele < 2; allele++ {
			pop := samplePopulation(rnd, weights)
			if rnd.Float64() < freqs[pop] {
				dosageVal++
			}
		}

		dosage.RSIDs[i] = "rs"
		dosage.Dosages[i] = dosageVal
	}

	return dosage
}

func samplePopulation(rnd *rand.Rand, weights types.Proportions) types.Population {
	r := rnd.Float64()
	var cum float64
	for _, pop := range types.Populations {
		cum += weights[pop]
		if r <= cum {
			return pop
		}
	}
	return types.AMR
}

func TestRun_AllEUR(t *testing.T) {
	weights := types.Proportions{types.EUR: 1.0}
	dosage := syntheticDosage(3000, weights, 42)

	result, err := admixture.Run(dosage)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, result.Proportions.Sum(), 1e-6)
	assert.Greater(t, result.Proportions[types.EUR], 0.8)
	assert.Equal(t, types.ConfidenceHigh, result.Confidence)
}

func TestRun_ProportionsSumToOne(t *testing.T) {
	weights := types.Proportions{types.EUR: 0.5, types.AFR: 0.3, types.EAS: 0.2}
	dosage := syntheticDosage(1000, weights, 7)

	result, err := admixture.Run(dosage)
	require.NoError(t, err)

	total := result.Proportions.Sum()
	assert.InDelta(t, 1.0, total, 1e-6)
	for _, pop := range types.Populations {
		assert.GreaterOrEqual(t, result.Proportions[pop], 0.0)
		assert.LessOrEqual(t, result.Proportions[pop], 1.0)
	}
}

func TestRun_LogLikelihoodMonotonic(t *testing.T) {
	weights := types.Proportions{types.EUR: 0.6, types.AFR: 0.4}
	dosage := syntheticDosage(1500, weights, 99)

	result, err := admixture.Run(dosage)
	require.NoError(t, err)
	require.NotEmpty(t, result.LogLikelihoods)

	for i := 1; i < len(result.LogLikelihoods); i++ {
		assert.GreaterOrEqual(t, result.LogLikelihoods[i], result.LogLikelihoods[i-1]-1e-9)
	}
}

func TestRun_EmptyDosage(t *testing.T) {
	dosage := &types.AlignedDosage{}

	result, err := admixture.Run(dosage)
	require.NoError(t, err)

	assert.Equal(t, 0, result.MarkersUsed)
	assert.Equal(t, types.ConfidenceLow, result.Confidence)
	assert.InDelta(t, 1.0, result.Proportions.Sum(), 1e-6)
}

func TestRun_ConfidenceThresholds(t *testing.T) {
	weights := types.Proportions{types.EUR: 1.0}

	moderate, _ := admixture.Run(syntheticDosage(600, weights, 1))
	assert.Equal(t, types.ConfidenceModerate, moderate.Confidence)

	low, _ := admixture.Run(syntheticDosage(100, weights, 2))
	assert.Equal(t, types.ConfidenceLow, low.Confidence)
}

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

package panelinfer_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/panelinfer"
	"github.com/zymatik-com/ancestry/internal/types"
)

// buildTestPanel assembles a small synthetic reference panel: 4 EUR
// samples (CEU) with a mostly-alt genotype at every marker, and 4 AFR
// samples (YRI) with a mostly-ref genotype, over 30 markers.
func buildTestPanel(t *testing.T) *panel.Panel {
	t.Helper()

	const numMarkers = 30
	var rsidsJSON, genotypesJSON strings.Builder

	rsidsJSON.WriteString("[")
	genotypesJSON.WriteString("{")
	for i := 0; i < numMarkers; i++ {
		if i > 0 {
			rsidsJSON.WriteString(",")
			genotypesJSON.WriteString(",")
		}
		rsid := "rs" + itoa(i)
		rsidsJSON.WriteString(`"` + rsid + `"`)
		// EUR samples (0-3): dosage 2; AFR samples (4-7): dosage 0.
		genotypesJSON.WriteString(`"` + rsid + `":"22220000"`)
	}
	rsidsJSON.WriteString("]")
	genotypesJSON.WriteString("}")

	doc := `{
		"metadata": {
			"rsids": ` + rsidsJSON.String() + `,
			"sampleIds": ["e0","e1","e2","e3","a0","a1","a2","a3"],
			"populations": {},
			"sampleInfo": [
				{"id":"e0","population":"CEU","superPopulation":"EUR","index":0},
				{"id":"e1","population":"CEU","superPopulation":"EUR","index":1},
				{"id":"e2","population":"TSI","superPopulation":"EUR","index":2},
				{"id":"e3","population":"TSI","superPopulation":"EUR","index":3},
				{"id":"a0","population":"YRI","superPopulation":"AFR","index":4},
				{"id":"a1","population":"YRI","superPopulation":"AFR","index":5},
				{"id":"a2","population":"LWK","superPopulation":"AFR","index":6},
				{"id":"a3","population":"LWK","superPopulation":"AFR","index":7}
			]
		},
		"genotypes": ` + genotypesJSON.String() + `
	}`

	p, err := panel.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	return p
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}

func eurDosage(t *testing.T, p *panel.Panel) *types.AlignedDosage {
	t.Helper()
	dosage := &types.AlignedDosage{IndexByRSID: map[string]int{}}
	for _, rsid := range p.RSIDs() {
		dosage.IndexByRSID[rsid] = len(dosage.RSIDs)
		dosage.RSIDs = append(dosage.RSIDs, rsid)
		dosage.Dosages = append(dosage.Dosages, 2)
		dosage.Frequencies = append(dosage.Frequencies, types.Proportions{})
	}
	return dosage
}

func TestContinentalKNN_RecoversEUR(t *testing.T) {
	p := buildTestPanel(t)
	scorer := panelinfer.New(p)
	dosage := eurDosage(t, p)

	result, err := scorer.ContinentalKNN(context.Background(), dosage, 4)
	require.NoError(t, err)

	assert.Greater(t, result.Continental[types.EUR], result.Continental[types.AFR])
	assert.Equal(t, types.MethodKNN, result.Method)
	assert.Len(t, result.Neighbors, 4)
}

func TestContinentalLikelihood_RecoversEUR(t *testing.T) {
	p := buildTestPanel(t)
	scorer := panelinfer.New(p)
	dosage := eurDosage(t, p)

	result := scorer.ContinentalLikelihood(dosage)

	assert.Equal(t, types.MethodLikelihood, result.Method)
	assert.Greater(t, result.Continental[types.EUR], result.Continental[types.AFR])
	assert.InDelta(t, 1.0, result.Continental.Sum(), 1e-6)
}

func TestSubpopulationRefinement_ReturnsNormalisedPosterior(t *testing.T) {
	p := buildTestPanel(t)
	scorer := panelinfer.New(p)
	dosage := eurDosage(t, p)

	posteriors, err := scorer.SubpopulationRefinement(context.Background(), dosage, types.EUR)
	require.NoError(t, err)
	require.NotEmpty(t, posteriors.Combined)
	require.NotEmpty(t, posteriors.WeightedKNN)
	require.NotEmpty(t, posteriors.Likelihood)

	for _, posterior := range []map[string]float64{posteriors.WeightedKNN, posteriors.Likelihood, posteriors.Combined} {
		var total float64
		for _, v := range posterior {
			total += v
		}
		assert.InDelta(t, 1.0, total, 1e-6)
	}
}

func TestSubpopulationRefinement_NoSubpopulationsIsNil(t *testing.T) {
	p := buildTestPanel(t)
	scorer := panelinfer.New(p)
	dosage := eurDosage(t, p)

	// AMR has no samples at all in this synthetic panel.
	posteriors, err := scorer.SubpopulationRefinement(context.Background(), dosage, types.AMR)
	require.NoError(t, err)
	assert.Nil(t, posteriors.Combined)
	assert.Nil(t, posteriors.WeightedKNN)
	assert.Nil(t, posteriors.Likelihood)
}

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

package validate_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/ancestryconfig"
	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/types"
	"github.com/zymatik-com/ancestry/internal/validate"
)

// buildValidationPanel assembles a panel with 6 EUR samples (dosage 2 at
// every marker) and 6 AFR samples (dosage 0), so leave-one-out on either
// group should recover the held-out sample's own continent from the 5
// remaining same-continent samples.
func buildValidationPanel(t *testing.T) *panel.Panel {
	t.Helper()

	const numMarkers = 40
	const numSamples = 12

	var rsidsJSON, genotypesJSON, sampleInfoJSON, sampleIDsJSON strings.Builder
	rsidsJSON.WriteString("[")
	genotypesJSON.WriteString("{")
	for i := 0; i < numMarkers; i++ {
		if i > 0 {
			rsidsJSON.WriteString(",")
			genotypesJSON.WriteString(",")
		}
		rsid := fmt.Sprintf("rs%d", i)
		rsidsJSON.WriteString(`"` + rsid + `"`)
		genotypesJSON.WriteString(`"` + rsid + `":"222222000000"`)
	}
	rsidsJSON.WriteString("]")
	genotypesJSON.WriteString("}")

	sampleIDsJSON.WriteString("[")
	sampleInfoJSON.WriteString("[")
	for i := 0; i < numSamples; i++ {
		if i > 0 {
			sampleIDsJSON.WriteString(",")
			sampleInfoJSON.WriteString(",")
		}
		id := fmt.Sprintf("s%d", i)
		sampleIDsJSON.WriteString(`"` + id + `"`)

		superpop := "EUR"
		pop := "CEU"
		if i >= 6 {
			superpop = "AFR"
			pop = "YRI"
		}
		sampleInfoJSON.WriteString(fmt.Sprintf(`{"id":%q,"population":%q,"superPopulation":%q,"index":%d}`, id, pop, superpop, i))
	}
	sampleIDsJSON.WriteString("]")
	sampleInfoJSON.WriteString("]")

	doc := `{
		"metadata": {
			"rsids": ` + rsidsJSON.String() + `,
			"sampleIds": ` + sampleIDsJSON.String() + `,
			"populations": {},
			"sampleInfo": ` + sampleInfoJSON.String() + `
		},
		"genotypes": ` + genotypesJSON.String() + `
	}`

	p, err := panel.Decode(strings.NewReader(doc))
	require.NoError(t, err)
	return p
}

func TestRun_RecoversContinentOnHeldOutSamples(t *testing.T) {
	p := buildValidationPanel(t)
	cfg := ancestryconfig.Defaults()
	cfg.ValidationSamplesPerPopulation = 3
	cfg.KNNNeighbors = 5

	report := validate.Run(context.Background(), p, cfg)

	for _, m := range report.Methods {
		if m.Method == types.MethodKNN || m.Method == types.MethodCombined {
			assert.Greater(t, m.Samples, 0)
			assert.Equal(t, 1.0, m.Accuracy())
		}
	}
}

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

package aimdb_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/aimdb"
	"github.com/zymatik-com/ancestry/internal/types"
)

const testDoc = `{
	"metadata": {"version": "test", "totalMarkers": 3},
	"markers": [
		{"rsid": "rs1", "chromosome": "1", "position": 100, "ref": "A", "alt": "G",
		 "frequencies": {"EUR": 0.9, "AFR": 0.1, "EAS": 0.2, "SAS": 0.15, "AMR": 0.3}},
		{"rsid": "rs2", "chromosome": "1", "position": 200, "ref": "C", "alt": "T",
		 "frequencies": {"EUR": 0.8, "AFR": 0.05, "EAS": 0.1, "SAS": 0.12}},
		{"rsid": "rs3", "chromosome": "2", "position": 300, "ref": "AT", "alt": "G",
		 "frequencies": {"EUR": 0.5, "AFR": 0.5, "EAS": 0.5, "SAS": 0.5, "AMR": 0.5}}
	]
}`

func TestDecode_DropsMultiBaseAlleles(t *testing.T) {
	db, err := aimdb.Decode(strings.NewReader(testDoc))
	require.NoError(t, err)

	// rs3 has a two-base ref and is dropped; rs1/rs2 survive.
	assert.Equal(t, 2, db.Len())
	assert.ElementsMatch(t, []string{"rs1", "rs2"}, db.RSIDs())
}

func TestDecode_ImputesSingleMissingContinent(t *testing.T) {
	db, err := aimdb.Decode(strings.NewReader(testDoc))
	require.NoError(t, err)

	m, ok := db.Lookup("rs2")
	require.True(t, ok)
	// AMR was missing; imputed as the mean of the other four.
	expected := (0.8 + 0.05 + 0.1 + 0.12) / 4
	assert.InDelta(t, expected, m.Frequencies[types.AMR], 1e-9)
}

func TestDecode_LookupAndMightContain(t *testing.T) {
	db, err := aimdb.Decode(strings.NewReader(testDoc))
	require.NoError(t, err)

	assert.True(t, db.MightContain("rs1"))
	assert.False(t, db.MightContain("rs999"))

	m, ok := db.Lookup("rs1")
	require.True(t, ok)
	assert.Equal(t, byte('A'), m.Ref)
	assert.Equal(t, byte('G'), m.Alt)
	assert.EqualValues(t, 100, m.Position)
}

func TestDecode_RejectsEmptyMarkerSet(t *testing.T) {
	_, err := aimdb.Decode(strings.NewReader(`{"metadata":{},"markers":[]}`))
	assert.Error(t, err)
}

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

package overlap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/overlap"
	"github.com/zymatik-com/ancestry/internal/types"
)

func lookupFrom(markers map[string]overlap.MarkerInfo) overlap.RefAltLookup {
	return func(rsid string) (overlap.MarkerInfo, bool) {
		info, ok := markers[rsid]
		return info, ok
	}
}

func TestIndex_DirectStrandDosage(t *testing.T) {
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'G', Allele2: 'G'}, // homozygous alt
			"rs2": {RSID: "rs2", Allele1: 'A', Allele2: 'G'}, // heterozygous
			"rs3": {RSID: "rs3", Allele1: 'A', Allele2: 'A'}, // homozygous ref
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'G'},
		"rs2": {Ref: 'A', Alt: 'G'},
		"rs3": {Ref: 'A', Alt: 'G'},
	}

	result := overlap.Index(parsed, []string{"rs1", "rs2", "rs3"}, lookupFrom(markers))

	require.Equal(t, []string{"rs1", "rs2", "rs3"}, result.RSIDs)
	assert.Equal(t, []uint8{2, 1, 0}, result.Dosages)
}

func TestIndex_ComplementStrandFlip(t *testing.T) {
	// ref=A/alt=G (non-palindromic); the user's calls are on the opposite
	// strand (T/C), so dosage must be recovered via the complement.
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'C', Allele2: 'C'}, // complement of G/G
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'G'},
	}

	result := overlap.Index(parsed, []string{"rs1"}, lookupFrom(markers))

	require.Len(t, result.Dosages, 1)
	assert.Equal(t, uint8(2), result.Dosages[0])
}

func TestIndex_PalindromicMarkerDropped(t *testing.T) {
	// ref=A/alt=T is palindromic (A's complement is T): a strand flip is
	// indistinguishable from no flip, so the marker must be dropped rather
	// than guessed.
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'T', Allele2: 'T'},
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'T'},
	}

	result := overlap.Index(parsed, []string{"rs1"}, lookupFrom(markers))

	assert.Empty(t, result.RSIDs)
}

func TestIndex_InconsistentAlleleDropped(t *testing.T) {
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'A', Allele2: 'C'}, // direct-strand ref (A) mixed with complement-strand alt (C): consistent with neither strand
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'G'},
	}

	result := overlap.Index(parsed, []string{"rs1"}, lookupFrom(markers))

	assert.Empty(t, result.RSIDs)
}

func TestIndex_MissingFromUserFileOrLookupDropped(t *testing.T) {
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'A', Allele2: 'A'},
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'G'},
		// rs2 has no user call, rs3 has no lookup entry
	}

	result := overlap.Index(parsed, []string{"rs1", "rs2", "rs3"}, lookupFrom(markers))

	assert.Equal(t, []string{"rs1"}, result.RSIDs)
}

func TestIndex_IndexByRSIDMatchesPosition(t *testing.T) {
	parsed := &types.ParsedFile{
		SNPsByRSID: map[string]types.SNP{
			"rs1": {RSID: "rs1", Allele1: 'A', Allele2: 'A'},
			"rs2": {RSID: "rs2", Allele1: 'G', Allele2: 'G'},
		},
	}
	markers := map[string]overlap.MarkerInfo{
		"rs1": {Ref: 'A', Alt: 'G'},
		"rs2": {Ref: 'A', Alt: 'G'},
	}

	result := overlap.Index(parsed, []string{"rs1", "rs2"}, lookupFrom(markers))

	for rsid, idx := range result.IndexByRSID {
		assert.Equal(t, rsid, result.RSIDs[idx])
	}
}

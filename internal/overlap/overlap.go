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

// Package overlap implements the marker-overlap indexer: it joins a user's
// parsed SNPs against a target marker list (the AIM database, or the
// reference panel's rsids intersected with AIM's ref/alt calls, since the
// packed panel format carries no ref/alt of its own — see DESIGN.md) and
// emits the aligned dosage vector consumed by the EM solver and the panel
// scorer alike.
package overlap

import (
	"github.com/zymatik-com/ancestry/internal/types"
)

// MarkerInfo is the ref/alt/frequency triple the indexer needs per target
// marker. It is satisfied by aimdb.DB.Lookup (adapted by the caller into a
// RefAltLookup closure).
type MarkerInfo struct {
	Ref         byte
	Alt         byte
	Frequencies types.Proportions
}

// RefAltLookup resolves a target rsid to its reference/alternate allele and
// per-population frequencies. ok is false if the rsid has no known ref/alt.
type RefAltLookup func(rsid string) (MarkerInfo, bool)

var complement = map[byte]byte{'A': 'T', 'T': 'A', 'C': 'G', 'G': 'C'}

func isPalindromic(ref, alt byte) bool {
	return complement[ref] == alt
}

// Index joins parsed's SNPs against targetRSIDs (in the given order),
// resolving each marker's ref/alt/frequencies via lookup, and returns the
// aligned dosage vector. Markers absent from the user's file, markers whose
// user call doesn't match {ref,alt} on either strand, and palindromic
// markers (A/T, C/G) are all dropped from the result. This strand-flip
// policy is applied unconditionally everywhere user alleles are compared
// against a reference call.
func Index(parsed *types.ParsedFile, targetRSIDs []string, lookup RefAltLookup) *types.AlignedDosage {
	result := &types.AlignedDosage{
		RSIDs:       make([]string, 0, len(targetRSIDs)),
		Dosages:     make([]uint8, 0, len(targetRSIDs)),
		Frequencies: make([]types.Proportions, 0, len(targetRSIDs)),
		IndexByRSID: make(map[string]int, len(targetRSIDs)),
	}

	for _, rsid := range targetRSIDs {
		snp, ok := parsed.SNPsByRSID[rsid]
		if !ok {
			continue
		}

		info, ok := lookup(rsid)
		if !ok {
			continue
		}

		dosage, ok := dosageOf(snp.Allele1, snp.Allele2, info.Ref, info.Alt)
		if !ok {
			continue
		}

		result.IndexByRSID[rsid] = len(result.RSIDs)
		result.RSIDs = append(result.RSIDs, rsid)
		result.Dosages = append(result.Dosages, dosage)
		result.Frequencies = append(result.Frequencies, info.Frequencies)
	}

	return result
}

// dosageOf counts how many of the user's two alleles equal alt. Palindromic
// markers (A/T, C/G) are dropped unconditionally, since direct and
// complement strand are indistinguishable for them; otherwise the direct
// strand is tried first, then the complement strand. ok is false if
// neither strand is consistent with the user's observed allele set.
func dosageOf(a1, a2, ref, alt byte) (uint8, bool) {
	if isPalindromic(ref, alt) {
		return 0, false
	}

	if d, ok := dosageDirect(a1, a2, ref, alt); ok {
		return d, true
	}

	cRef, cAlt := complement[ref], complement[alt]
	if cRef == 0 || cAlt == 0 {
		return 0, false
	}

	return dosageDirect(a1, a2, cRef, cAlt)
}

// dosageDirect counts alt-allele copies among a1/a2 assuming no strand
// flip, rejecting calls that use a base outside {ref, alt}.
func dosageDirect(a1, a2, ref, alt byte) (uint8, bool) {
	var dosage uint8
	for _, a := range [2]byte{a1, a2} {
		switch a {
		case alt:
			dosage++
		case ref:
			// contributes zero
		default:
			return 0, false
		}
	}
	return dosage, true
}

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

// Package snparray parses the tab-delimited consumer SNP exports produced
// by 23andMe and AncestryDNA, normalising rows into the canonical
// types.SNP record regardless of vendor. Rather than keying columns by
// name from a header row, this parser follows a positional rule: a row's
// field count (four or five) determines its shape, and vendor is only
// used to tag the Source on the result.
package snparray

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/zymatik-com/ancestry/internal/errs"
	"github.com/zymatik-com/ancestry/internal/types"
)

const minValidRows = 1000

// ParseFile reads a consumer genotype export (already decompressed) and
// returns its canonical, normalised form. Failures are fatal and wrap
// errs.ErrUnrecognisedFormat.
func ParseFile(r *bufio.Reader) (*types.ParsedFile, error) {
	headerLines, firstDataLine, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnrecognisedFormat, err)
	}

	if firstDataLine == "" {
		return nil, fmt.Errorf("%w: empty input", errs.ErrUnrecognisedFormat)
	}

	fieldCount := len(strings.Split(firstDataLine, "\t"))
	if fieldCount != 4 && fieldCount != 5 {
		return nil, fmt.Errorf("%w: could not identify field delimiter", errs.ErrUnrecognisedFormat)
	}

	parsed := &types.ParsedFile{
		Source:       detectSource(headerLines),
		BuildVersion: detectBuildVersion(headerLines),
		SNPs:         make([]types.SNP, 0, 1<<20),
		SNPsByRSID:   make(map[string]types.SNP, 1<<20),
	}

	if err := parseRow(firstDataLine, fieldCount, parsed); err != nil {
		// A malformed first row just means we skip it; parsing continues.
		_ = err
	}

	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			_ = parseRow(trimmed, fieldCount, parsed)
		}
		if err != nil {
			break
		}
	}

	if len(parsed.SNPs) < minValidRows {
		return nil, fmt.Errorf("%w: only %d valid rows parsed (need at least %d)",
			errs.ErrUnrecognisedFormat, len(parsed.SNPs), minValidRows)
	}

	return parsed, nil
}

// readHeader consumes comment lines (first non-whitespace char '#') and
// returns them along with the first non-comment line encountered.
func readHeader(r *bufio.Reader) ([]string, string, error) {
	var headerLines []string

	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
			headerLines = append(headerLines, trimmed)
			if err != nil {
				return headerLines, "", nil
			}
			continue
		}

		if trimmed == "" {
			if err != nil {
				return headerLines, "", nil
			}
			continue
		}

		return headerLines, trimmed, nil
	}
}

func detectSource(headerLines []string) types.Source {
	for _, line := range headerLines {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "23andme"):
			return types.SourceTwentyThreeAndMe
		case strings.Contains(lower, "ancestrydna"):
			return types.SourceAncestryDNA
		}
	}
	return types.SourceUnknown
}

func detectBuildVersion(headerLines []string) types.BuildVersion {
	for _, line := range headerLines {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "build 37"), strings.Contains(lower, "grch37"), strings.Contains(lower, "hg19"):
			return types.BuildGRCh37
		case strings.Contains(lower, "build 38"), strings.Contains(lower, "grch38"), strings.Contains(lower, "hg38"):
			return types.BuildGRCh38
		}
	}
	return types.BuildUnknown
}

// parseRow validates a single row and, on success, appends the normalised
// SNP to parsed (unless its rsid has already been seen). Any rejection is
// silent: malformed rows are dropped, not fatal.
func parseRow(line string, fieldCount int, parsed *types.ParsedFile) error {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return fmt.Errorf("comment line")
	}

	fields := strings.Split(line, "\t")
	if len(fields) < fieldCount {
		return fmt.Errorf("short row")
	}

	rsid := strings.TrimSpace(fields[0])
	if !strings.HasPrefix(rsid, "rs") {
		return fmt.Errorf("rsid missing rs prefix")
	}

	if _, seen := parsed.SNPsByRSID[rsid]; seen {
		return fmt.Errorf("duplicate rsid")
	}

	chromosome := types.Chromosome(strings.TrimPrefix(strings.TrimSpace(fields[1]), "chr"))
	if !types.IsValidChromosome(chromosome) {
		return fmt.Errorf("unrecognised chromosome")
	}

	position, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil || position < 0 {
		return fmt.Errorf("invalid position")
	}

	var a1, a2 byte
	switch fieldCount {
	case 4:
		genotype := strings.ToUpper(strings.TrimSpace(fields[3]))
		if len(genotype) != 2 {
			return fmt.Errorf("malformed genotype")
		}
		a1, a2 = genotype[0], genotype[1]
	case 5:
		allele1 := strings.ToUpper(strings.TrimSpace(fields[3]))
		allele2 := strings.ToUpper(strings.TrimSpace(fields[4]))
		if len(allele1) != 1 || len(allele2) != 1 {
			return fmt.Errorf("malformed alleles")
		}
		a1, a2 = allele1[0], allele2[0]
	}

	if isMissingCall(a1) || isMissingCall(a2) {
		return fmt.Errorf("missing call")
	}

	snp := types.SNP{
		RSID:       rsid,
		Chromosome: chromosome,
		Position:   position,
		Allele1:    a1,
		Allele2:    a2,
	}

	parsed.SNPs = append(parsed.SNPs, snp)
	parsed.SNPsByRSID[rsid] = snp

	return nil
}

// isMissingCall reports whether a single allele character denotes a no-call:
// '-' (no read), '0' (AncestryDNA no-call), 'N' (ambiguous), or 'I'/'D'
// (indel, not a SNP).
func isMissingCall(c byte) bool {
	switch c {
	case '-', '0', 'N', 'I', 'D':
		return true
	default:
		return false
	}
}

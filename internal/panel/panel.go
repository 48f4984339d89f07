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

// Package panel holds the packed reference-panel genotype matrix: N
// reference individuals by M markers, with population labels. The on-disk
// form is ASCII-digit genotype strings; at load time we decode once into
// one contiguous byte row per marker (keyed by rsid) so per-marker scans
// during k-NN and likelihood scoring are cache-friendly.
package panel

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"

	"github.com/FastFilter/xorfilter"

	"github.com/zymatik-com/ancestry/internal/errs"
	"github.com/zymatik-com/ancestry/internal/types"
)

const missingDosage = 9

// jsonDocument mirrors the on-disk reference panel + metadata file
// format, merged into a single document for simplicity.
type jsonDocument struct {
	Metadata struct {
		RSIDs      []string `json:"rsids"`
		SampleIDs  []string `json:"sampleIds"`
		Populations map[string]struct {
			Code        string `json:"code"`
			SuperPop    string `json:"superPop"`
			Count       int    `json:"count"`
			Description string `json:"description"`
		} `json:"populations"`
		SampleInfo []struct {
			ID              string `json:"id"`
			Population      string `json:"population"`
			SuperPopulation string `json:"superPopulation"`
			Index           int    `json:"index"`
		} `json:"sampleInfo"`
	} `json:"metadata"`
	Genotypes map[string]string `json:"genotypes"`
}

// Panel is the immutable, loaded reference panel.
type Panel struct {
	rsids       []string
	rsidIndex   map[string]int
	sampleInfo  []types.SampleInfo
	numSamples  int
	matrix      map[string][]byte // rsid -> N-byte decoded dosage row (0,1,2,9)
	bySuperpop  map[types.Population][]int
	bySubpop    map[string][]int
	filter      *xorfilter.Xor8
}

// Load reads a combined reference-panel JSON document from path.
func Load(path string) (*Panel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrReferenceUnavailable, err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode parses a reference-panel JSON document from an arbitrary reader.
func Decode(r io.Reader) (*Panel, error) {
	var doc jsonDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: could not decode reference panel: %s", errs.ErrReferenceUnavailable, err)
	}

	p := &Panel{
		rsids:      doc.Metadata.RSIDs,
		rsidIndex:  make(map[string]int, len(doc.Metadata.RSIDs)),
		numSamples: len(doc.Metadata.SampleIDs),
		matrix:     make(map[string][]byte, len(doc.Genotypes)),
		bySuperpop: make(map[types.Population][]int),
		bySubpop:   make(map[string][]int),
	}

	for i, rsid := range p.rsids {
		p.rsidIndex[rsid] = i
	}

	for _, si := range doc.Metadata.SampleInfo {
		superpop, err := types.ParsePopulation(si.SuperPopulation)
		if err != nil {
			continue
		}

		if si.Index < 0 || si.Index >= p.numSamples {
			return nil, fmt.Errorf("%w: sample %s has out-of-range index %d", errs.ErrReferenceUnavailable, si.ID, si.Index)
		}

		info := types.SampleInfo{
			ID:              si.ID,
			Population:      si.Population,
			Superpopulation: superpop,
			Index:           si.Index,
		}

		p.sampleInfo = append(p.sampleInfo, info)
		p.bySuperpop[superpop] = append(p.bySuperpop[superpop], si.Index)
		p.bySubpop[si.Population] = append(p.bySubpop[si.Population], si.Index)
	}

	keys := make([]uint64, 0, len(doc.Genotypes))
	for rsid, packed := range doc.Genotypes {
		if len(packed) != p.numSamples {
			continue
		}

		row := make([]byte, p.numSamples)
		for i := 0; i < p.numSamples; i++ {
			d := packed[i]
			if d < '0' || d > '9' {
				return nil, fmt.Errorf("%w: invalid dosage byte %q for %s", errs.ErrReferenceUnavailable, d, rsid)
			}
			row[i] = d - '0'
		}

		p.matrix[rsid] = row
		keys = append(keys, rsidHashPanel(rsid))
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: reference panel has no usable genotype rows", errs.ErrReferenceUnavailable)
	}

	filter, err := xorfilter.Populate(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: could not build marker filter: %s", errs.ErrReferenceUnavailable, err)
	}
	p.filter = filter

	return p, nil
}

func rsidHashPanel(rsid string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rsid))
	return h.Sum64()
}

// RSIDs returns the ordered marker list of length M.
func (p *Panel) RSIDs() []string {
	return p.rsids
}

// NumSamples returns N, the number of reference individuals.
func (p *Panel) NumSamples() int {
	return p.numSamples
}

// SampleInfo returns the per-sample population metadata.
func (p *Panel) SampleInfo() []types.SampleInfo {
	return p.sampleInfo
}

// Dosages returns the decoded dosage row for rsid (one byte per sample, 9 ==
// missing) and whether the marker is present in the panel at all.
func (p *Panel) Dosages(rsid string) ([]byte, bool) {
	if !p.filter.Contains(rsidHashPanel(rsid)) {
		return nil, false
	}
	row, ok := p.matrix[rsid]
	return row, ok
}

// SamplesBySuperpopulation returns the column indices of every sample
// belonging to superpop.
func (p *Panel) SamplesBySuperpopulation(superpop types.Population) []int {
	return p.bySuperpop[superpop]
}

// SamplesBySubpopulation returns the column indices of every sample
// belonging to the named subpopulation code (e.g. "CEU").
func (p *Panel) SamplesBySubpopulation(code string) []int {
	return p.bySubpop[code]
}

// IsMissing reports whether a decoded dosage byte denotes a no-call.
func IsMissing(d byte) bool {
	return d == missingDosage
}

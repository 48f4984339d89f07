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

// Package aimdb holds the read-only, in-memory catalogue of
// ancestry-informative markers: a fixed set of SNPs with large
// allele-frequency differences between continental populations, loaded once
// at startup and shared by every inference call.
package aimdb

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

// jsonDocument mirrors the on-disk AIM database file format.
type jsonDocument struct {
	Metadata struct {
		Version      string `json:"version"`
		TotalMarkers int    `json:"totalMarkers"`
		LastUpdated  string `json:"lastUpdated"`
		Description  string `json:"description"`
	} `json:"metadata"`
	Markers []jsonMarker `json:"markers"`
}

type jsonMarker struct {
	RSID        string             `json:"rsid"`
	Chromosome  string             `json:"chromosome"`
	Position    int64              `json:"position"`
	Ref         string             `json:"ref"`
	Alt         string             `json:"alt"`
	Frequencies map[string]float64 `json:"frequencies"`
}

// DB is the loaded, immutable AIM catalogue. Callers obtain one handle at
// startup via Load and pass it by reference into inference calls; there is
// no process-global singleton.
type DB struct {
	metadata types.AIMMetadata
	byRSID   map[string]types.AIMMarker
	rsids    []string // preserves file order for deterministic join iteration
	filter   *xorfilter.Xor8
}

// Load reads an AIM database JSON document from path.
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrReferenceUnavailable, err)
	}
	defer f.Close()

	return Decode(f)
}

// Decode parses an AIM database JSON document from an arbitrary reader.
func Decode(r io.Reader) (*DB, error) {
	var doc jsonDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: could not decode aim database: %s", errs.ErrReferenceUnavailable, err)
	}

	db := &DB{
		metadata: types.AIMMetadata{
			Version:      doc.Metadata.Version,
			TotalMarkers: doc.Metadata.TotalMarkers,
			LastUpdated:  doc.Metadata.LastUpdated,
			Description:  doc.Metadata.Description,
		},
		byRSID: make(map[string]types.AIMMarker, len(doc.Markers)),
		rsids:  make([]string, 0, len(doc.Markers)),
	}

	keys := make([]uint64, 0, len(doc.Markers))

	for _, m := range doc.Markers {
		if len(m.Ref) != 1 || len(m.Alt) != 1 {
			continue
		}

		freqs, err := imputeFrequencies(m.Frequencies)
		if err != nil {
			continue
		}

		marker := types.AIMMarker{
			RSID:        m.RSID,
			Chromosome:  types.Chromosome(m.Chromosome),
			Position:    m.Position,
			Ref:         m.Ref[0],
			Alt:         m.Alt[0],
			Frequencies: freqs,
		}

		db.byRSID[m.RSID] = marker
		db.rsids = append(db.rsids, m.RSID)
		keys = append(keys, rsidHash(m.RSID))
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: aim database has no usable markers", errs.ErrReferenceUnavailable)
	}

	filter, err := xorfilter.Populate(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: could not build marker filter: %s", errs.ErrReferenceUnavailable, err)
	}
	db.filter = filter

	return db, nil
}

// imputeFrequencies requires coverage in at least 4 of 5 continents (the
// same rule the offline build pipeline enforces) and fills any single
// missing continent with the mean of the present four.
func imputeFrequencies(raw map[string]float64) (types.Proportions, error) {
	var out types.Proportions
	present := 0
	var sum float64
	var missing types.Population = -1

	for _, pop := range types.Populations {
		v, ok := raw[pop.String()]
		if !ok {
			if missing != -1 {
				return out, fmt.Errorf("more than one continent missing")
			}
			missing = pop
			continue
		}
		out[pop] = v
		sum += v
		present++
	}

	if missing == -1 {
		return out, nil
	}

	if present < 4 {
		return out, fmt.Errorf("insufficient continental coverage")
	}

	out[missing] = sum / float64(present)

	return out, nil
}

// rsidHash derives a stable 64-bit key for the xor filter from an rsid
// string; FNV-1a is sufficient since the filter only needs to reject
// membership queries cheaply before the authoritative map lookup.
func rsidHash(rsid string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rsid))
	return h.Sum64()
}

// MightContain is a fast, false-positive-possible pre-check ahead of the
// authoritative Lookup, useful when scanning a user's file of hundreds of
// thousands of SNPs against the much smaller AIM set.
func (db *DB) MightContain(rsid string) bool {
	return db.filter.Contains(rsidHash(rsid))
}

// Lookup returns the AIM marker for rsid, if present.
func (db *DB) Lookup(rsid string) (types.AIMMarker, bool) {
	if !db.MightContain(rsid) {
		return types.AIMMarker{}, false
	}
	m, ok := db.byRSID[rsid]
	return m, ok
}

// RSIDs returns the ordered list of every marker's rsid, for join operations.
func (db *DB) RSIDs() []string {
	return db.rsids
}

// Len returns the number of markers in the database.
func (db *DB) Len() int {
	return len(db.rsids)
}

// Metadata returns the database's diagnostic metadata.
func (db *DB) Metadata() types.AIMMetadata {
	return db.metadata
}

// All iterates over every marker in file order, invoking fn until it
// returns false or the markers are exhausted.
func (db *DB) All(fn func(types.AIMMarker) bool) {
	for _, rsid := range db.rsids {
		if !fn(db.byRSID[rsid]) {
			return
		}
	}
}

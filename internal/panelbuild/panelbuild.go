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

// Package panelbuild assembles a reference-panel JSON document from a
// multi-sample population VCF plus a sample manifest. It is the offline
// counterpart to aimbuild: aimbuild produces the marker frequency table
// ancestry inference scores against, panelbuild produces the genotype
// matrix panel-based inference scores against.
package panelbuild

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/brentp/vcfgo"
	"github.com/cheggaaa/pb/v3"

	"github.com/zymatik-com/ancestry/internal/compress"
)

// SampleManifestEntry is one row of the sample manifest CSV (sampleId,
// subpopulation code, superpopulation code), e.g. a 1000 Genomes panel file.
type SampleManifestEntry struct {
	ID              string
	Population      string
	Superpopulation string
}

// ReadManifest parses a CSV sample manifest with header
// "sampleId,population,superpopulation".
func ReadManifest(r io.Reader) ([]SampleManifestEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("could not read sample manifest: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("sample manifest has no rows")
	}

	var entries []SampleManifestEntry
	for i, row := range records {
		if i == 0 && strings.EqualFold(row[0], "sampleId") {
			continue // header row
		}
		entries = append(entries, SampleManifestEntry{
			ID:              row[0],
			Population:      row[1],
			Superpopulation: row[2],
		})
	}
	return entries, nil
}

// jsonDocument mirrors panel.jsonDocument (internal/panel is the reader
// side of this format; the two are kept in sync by hand since duplicating
// the type here avoids an import cycle through a shared private type).
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

// Build reads a (possibly compressed) multi-sample VCF and a sample
// manifest, and writes a reference-panel JSON document to outPath. Only
// bi-allelic SNVs with an rsid are kept; indels, MNVs, multi-allelic
// records, and unnamed variants are skipped.
func Build(logger *slog.Logger, vcfPath string, manifest []SampleManifestEntry, showProgress bool, outPath string) (int, error) {
	f, err := os.Open(vcfPath)
	if err != nil {
		return 0, fmt.Errorf("could not open vcf: %w", err)
	}
	defer f.Close()

	var dr io.ReadCloser
	if showProgress {
		fi, statErr := f.Stat()
		if statErr != nil {
			return 0, fmt.Errorf("could not stat vcf: %w", statErr)
		}

		bar := pb.Full.Start64(fi.Size())
		bar.Set(pb.Bytes, true)
		defer bar.Finish()

		dr, err = compress.Decompress(bar.NewProxyReader(f))
	} else {
		dr, err = compress.Decompress(f)
	}
	if err != nil {
		return 0, fmt.Errorf("could not decompress vcf: %w", err)
	}
	defer dr.Close()

	vcfReader, err := vcfgo.NewReader(dr, false)
	if err != nil {
		return 0, fmt.Errorf("could not create vcf reader: %w", err)
	}

	sampleIDs := vcfReader.Header.SampleNames
	manifestByID := make(map[string]SampleManifestEntry, len(manifest))
	for _, e := range manifest {
		manifestByID[e.ID] = e
	}

	doc := jsonDocument{}
	doc.Metadata.SampleIDs = sampleIDs
	doc.Metadata.Populations = make(map[string]struct {
		Code        string `json:"code"`
		SuperPop    string `json:"superPop"`
		Count       int    `json:"count"`
		Description string `json:"description"`
	})
	doc.Genotypes = make(map[string]string)

	for i, id := range sampleIDs {
		entry, ok := manifestByID[id]
		if !ok {
			logger.Warn("Sample missing from manifest, skipping population labels", "sample", id)
			continue
		}

		doc.Metadata.SampleInfo = append(doc.Metadata.SampleInfo, struct {
			ID              string `json:"id"`
			Population      string `json:"population"`
			SuperPopulation string `json:"superPopulation"`
			Index           int    `json:"index"`
		}{ID: id, Population: entry.Population, SuperPopulation: strings.ToUpper(entry.Superpopulation), Index: i})

		pop := doc.Metadata.Populations[entry.Population]
		pop.Code = entry.Population
		pop.SuperPop = strings.ToUpper(entry.Superpopulation)
		pop.Count++
		doc.Metadata.Populations[entry.Population] = pop
	}

	markersKept := 0

	for {
		variant := vcfReader.Read()
		if variant == nil {
			break
		}

		if !strings.HasPrefix(variant.Id(), "rs") {
			continue
		}
		if len(variant.Alt()) != 1 {
			continue // multi-allelic
		}
		ref, alt := variant.Ref(), variant.Alt()[0]
		if len(ref) != 1 || len(alt) != 1 {
			continue // indel
		}

		row := make([]byte, len(sampleIDs))
		for i := range row {
			if i >= len(variant.Samples) || variant.Samples[i] == nil {
				row[i] = '9'
				continue
			}
			row[i] = dosageByte(variant.Samples[i].GT)
		}

		doc.Metadata.RSIDs = append(doc.Metadata.RSIDs, variant.Id())
		doc.Genotypes[variant.Id()] = string(row)
		markersKept++
	}

	if err := vcfReader.Error(); err != nil && err != io.EOF {
		return markersKept, fmt.Errorf("vcf reader error: %w", err)
	}

	if err := writeDocument(doc, outPath); err != nil {
		return markersKept, err
	}

	return markersKept, nil
}

// dosageByte converts vcfgo's decoded genotype allele-index pair (0=ref,
// 1=alt, negative=missing) into the panel's packed ASCII-digit dosage
// convention. Anything other than a clean bi-allelic call is "missing"
// rather than guessed.
func dosageByte(gt []int) byte {
	if len(gt) != 2 {
		return '9'
	}

	dosage := 0
	for _, allele := range gt {
		switch allele {
		case 0:
			// contributes zero
		case 1:
			dosage++
		default:
			return '9'
		}
	}
	return byte('0' + dosage)
}

func writeDocument(doc jsonDocument, outPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".panel-*.json.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("could not encode reference panel: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("could not rename temp file into place: %w", err)
	}
	return nil
}

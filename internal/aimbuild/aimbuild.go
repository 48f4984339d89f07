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

// Package aimbuild implements the offline AIM-build pipeline: it queries
// an external variant service in batches, computes FST across the five
// continental superpopulations, and emits an expanded AIM database JSON
// document. This is the only part of the core that performs network I/O;
// everything else is pure and CPU-bound.
package aimbuild

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/sethvargo/go-retry"

	"github.com/zymatik-com/ancestry/internal/errs"
	"github.com/zymatik-com/ancestry/internal/types"
)

const (
	batchSize        = 200
	maxRetries       = 3
	defaultFSTCutoff = 0.08
	defaultEarlyStop = 5000
)

// Options configures a Build run.
type Options struct {
	BaseURL       string // e.g. "https://rest.example.org"
	FSTCutoff     float64
	EarlyStop     int // stop after this many new markers accepted, 0 = defaultEarlyStop
	ShowProgress  bool
	HTTPClient    *http.Client
	PopulationMap map[string]types.Population // maps source population tags (gnomAD/1000G codes) to continental superpopulations
}

// variantResponse mirrors one entry of the external variant service's
// response document: a map of population tag -> allele frequency, plus
// ref/alt/position/chromosome/class.
type variantResponse struct {
	Chromosome string             `json:"chromosome"`
	Position   int64              `json:"position"`
	Ref        string             `json:"ref"`
	Alt        string             `json:"alt"`
	Class      string             `json:"class"`
	PopFreqs   map[string]float64 `json:"populationFrequencies"`
}

// Client talks to the external variant service: POST {"ids": [...]} to
// /variation/human?pops=1, Accept: application/json, retrying on HTTP 429
// with exponential backoff.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// FetchBatch requests variant metadata for up to 200 rsids.
func (c *Client) FetchBatch(ctx context.Context, rsids []string) (map[string]variantResponse, error) {
	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: rsids})
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(2*time.Second))

	var result map[string]variantResponse

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/variation/human?pops=1", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("could not build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("rate limited"))
		}

		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%w: status %d", errs.ErrExternalService, resp.StatusCode)
		}

		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// gnomadSubpopMapping is the authoritative mapping from gnomAD/1000-Genomes
// subpopulation tags to the five continental superpopulations. Callers may
// override/extend it via Options.PopulationMap.
var gnomadSubpopMapping = map[string]types.Population{
	"nfe": types.EUR, "fin": types.EUR, "ceu": types.EUR, "gbr": types.EUR, "ibs": types.EUR, "tsi": types.EUR,
	"afr": types.AFR, "yri": types.AFR, "lwk": types.AFR, "gwd": types.AFR, "msl": types.AFR, "esn": types.AFR, "asw": types.AFR, "acb": types.AFR,
	"eas": types.EAS, "chb": types.EAS, "jpt": types.EAS, "chs": types.EAS, "cdx": types.EAS, "khv": types.EAS,
	"sas": types.SAS, "gih": types.SAS, "pjl": types.SAS, "bgc": types.SAS, "stu": types.SAS, "itu": types.SAS,
	"amr": types.AMR, "mxl": types.AMR, "pur": types.AMR, "clm": types.AMR, "pel": types.AMR,
}

// candidate is one prospective AIM marker, ready for a coverage/FST check.
type candidate struct {
	rsid        string
	chromosome  string
	position    int64
	ref         string
	alt         string
	frequencies types.Proportions
}

// Build runs the full offline pipeline: fetch, aggregate, FST-filter,
// dedupe against existing, and emit a new AIM database JSON document to
// outPath. Writes are atomic (write-temp-then-rename), so a crash or
// cancellation never leaves a partial file.
func Build(ctx context.Context, logger *slog.Logger, client *Client, seedRSIDs []string, existing map[string]bool, opts Options, outPath string) (int, error) {
	if opts.FSTCutoff == 0 {
		opts.FSTCutoff = defaultFSTCutoff
	}
	if opts.EarlyStop == 0 {
		opts.EarlyStop = defaultEarlyStop
	}
	popMap := opts.PopulationMap
	if popMap == nil {
		popMap = gnomadSubpopMapping
	}

	var bar *pb.ProgressBar
	if opts.ShowProgress {
		bar = pb.StartNew(len(seedRSIDs))
		defer bar.Finish()
	}

	var accepted []candidate

	for start := 0; start < len(seedRSIDs); start += batchSize {
		select {
		case <-ctx.Done():
			return len(accepted), ctx.Err()
		default:
		}

		end := start + batchSize
		if end > len(seedRSIDs) {
			end = len(seedRSIDs)
		}
		batch := seedRSIDs[start:end]

		resp, err := client.FetchBatch(ctx, batch)
		if err != nil {
			logger.Warn("Dropping batch after fetch error", "error", err, "batchStart", start)
			if bar != nil {
				bar.Add(len(batch))
			}
			continue
		}

		for rsid, variant := range resp {
			if existing[rsid] {
				continue
			}

			if variant.Class != "" && variant.Class != "SNV" {
				continue // indels and multi-allelic markers are rejected
			}
			if len(variant.Ref) != 1 || len(variant.Alt) != 1 {
				continue
			}

			freqs, ok := aggregateFrequencies(variant.PopFreqs, popMap)
			if !ok {
				continue
			}

			accepted = append(accepted, candidate{
				rsid:        rsid,
				chromosome:  variant.Chromosome,
				position:    variant.Position,
				ref:         variant.Ref,
				alt:         variant.Alt,
				frequencies: freqs,
			})

			if len(accepted) >= opts.EarlyStop {
				break
			}
		}

		if bar != nil {
			bar.Add(len(batch))
		}

		if len(accepted) >= opts.EarlyStop {
			logger.Info("Reached early-stop threshold", "markers", len(accepted))
			break
		}
	}

	filtered := accepted[:0]
	for _, c := range accepted {
		if fst(c.frequencies) >= opts.FSTCutoff {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].chromosome != filtered[j].chromosome {
			return chromosomeOrder(filtered[i].chromosome) < chromosomeOrder(filtered[j].chromosome)
		}
		return filtered[i].position < filtered[j].position
	})

	if err := writeDocument(filtered, outPath); err != nil {
		return len(filtered), err
	}

	return len(filtered), nil
}

// aggregateFrequencies averages every population tag that maps to one of
// the five continents, requiring coverage in at least 4 of 5 and imputing
// any single missing continent as the mean of the present four.
func aggregateFrequencies(raw map[string]float64, popMap map[string]types.Population) (types.Proportions, bool) {
	var sums [types.NumPopulations]float64
	var counts [types.NumPopulations]int

	for tag, freq := range raw {
		pop, ok := popMap[tag]
		if !ok {
			continue
		}
		sums[pop] += freq
		counts[pop]++
	}

	var out types.Proportions
	present := 0
	missing := -1
	var sum float64

	for _, pop := range types.Populations {
		if counts[pop] == 0 {
			if missing != -1 {
				return out, false
			}
			missing = int(pop)
			continue
		}
		out[pop] = sums[pop] / float64(counts[pop])
		sum += out[pop]
		present++
	}

	if missing == -1 {
		return out, true
	}
	if present < 4 {
		return out, false
	}

	out[missing] = sum / float64(present)
	return out, true
}

// fst computes the Weir-Cockerham-style fixation index across the five
// continental frequencies: p̄ = Σp_k/5, variance = Σ(p_k-p̄)²/5,
// FST = variance / (p̄·(1-p̄)), clamped to [0,1].
func fst(freqs types.Proportions) float64 {
	var pBar float64
	for _, pop := range types.Populations {
		pBar += freqs[pop]
	}
	pBar /= float64(types.NumPopulations)

	var variance float64
	for _, pop := range types.Populations {
		d := freqs[pop] - pBar
		variance += d * d
	}
	variance /= float64(types.NumPopulations)

	denom := pBar * (1 - pBar)
	if denom <= 0 {
		return 0
	}

	v := variance / denom
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var chromosomeRank = func() map[string]int {
	m := make(map[string]int, 25)
	for i := 1; i <= 22; i++ {
		m[fmt.Sprint(i)] = i
	}
	m["X"] = 23
	m["Y"] = 24
	m["MT"] = 25
	return m
}()

func chromosomeOrder(c string) int {
	if r, ok := chromosomeRank[c]; ok {
		return r
	}
	return 99
}

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

// writeDocument emits the AIM database JSON document atomically: it writes
// to a temp file in the destination directory, then renames over outPath,
// so a crash never leaves a partially-written file behind.
func writeDocument(candidates []candidate, outPath string) error {
	doc := jsonDocument{
		Markers: make([]jsonMarker, 0, len(candidates)),
	}
	doc.Metadata.Version = time.Now().UTC().Format("2006.01.02")
	doc.Metadata.TotalMarkers = len(candidates)
	doc.Metadata.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	doc.Metadata.Description = "Ancestry-informative markers built from continental allele frequencies"

	for _, c := range candidates {
		freqs := make(map[string]float64, types.NumPopulations)
		for _, pop := range types.Populations {
			freqs[pop.String()] = c.frequencies[pop]
		}

		doc.Markers = append(doc.Markers, jsonMarker{
			RSID:        c.rsid,
			Chromosome:  c.chromosome,
			Position:    c.position,
			Ref:         c.ref,
			Alt:         c.alt,
			Frequencies: freqs,
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".aimdb-*.json.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("could not encode aim database: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("could not rename temp file into place: %w", err)
	}

	return nil
}

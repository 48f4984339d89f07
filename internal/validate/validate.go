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

// Package validate implements the leave-one-out validation harness: for a
// handful of samples per continental population, it scores each
// panel-inference method against the rest of the panel with that sample
// held out, and reports overall and per-population accuracy.
package validate

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/zymatik-com/ancestry/internal/ancestryconfig"
	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/panelinfer"
	"github.com/zymatik-com/ancestry/internal/types"
)

// ConfusionMatrix counts predicted-vs-actual labels, keyed
// [actual][predicted].
type ConfusionMatrix map[string]map[string]int

func (m ConfusionMatrix) record(actual, predicted string) {
	if m[actual] == nil {
		m[actual] = make(map[string]int)
	}
	m[actual][predicted]++
}

// MethodReport is one method's validation result.
type MethodReport struct {
	Method              types.Method
	Samples             int
	Correct             int
	ContinentalMatrix   ConfusionMatrix
	SubpopulationMatrix map[types.Population]ConfusionMatrix // keyed by continent, since subpopulation codes are only comparable within one
}

func (r MethodReport) Accuracy() float64 {
	if r.Samples == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Samples)
}

// Report is the full validation run's output, one MethodReport per method
// under test, plus every per-sample error encountered along the way
// (errors never abort the run; a sample that can't be scored is simply
// excluded from that method's accuracy).
type Report struct {
	Methods []MethodReport
	Errors  error
}

// testMethods are the four panel-inference methods the harness scores,
// each restricted to markers the panel carries (basic/weighted k-NN) or
// the panel's per-marker frequencies (likelihood variants). MethodWeightedKNN
// only ever produces a subpopulation-level posterior, so its ContinentalMatrix
// is left empty.
var testMethods = []types.Method{types.MethodKNN, types.MethodLikelihood, types.MethodWeightedKNN, types.MethodCombined}

// Run executes leave-one-out validation: up to cfg.ValidationSamplesPerPopulation
// samples per continental population are held out in turn and scored
// against the remaining panel with every method in testMethods.
func Run(ctx context.Context, p *panel.Panel, cfg ancestryconfig.Config) Report {
	reports := make(map[types.Method]*MethodReport, len(testMethods))
	for _, method := range testMethods {
		reports[method] = &MethodReport{
			Method:              method,
			ContinentalMatrix:   ConfusionMatrix{},
			SubpopulationMatrix: map[types.Population]ConfusionMatrix{},
		}
	}

	var errs error

	for _, continent := range types.Populations {
		samples := selectSamples(p, continent, cfg.ValidationSamplesPerPopulation)

		for _, sample := range samples {
			select {
			case <-ctx.Done():
				errs = multierr.Append(errs, ctx.Err())
				return finalize(reports, errs)
			default:
			}

			dosage := sampleDosage(p, sample)
			scorer := panelinfer.New(p).WithExcludedSample(sample.Index)

			knn, err := scorer.ContinentalKNN(ctx, dosage, cfg.KNNNeighbors)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("knn for sample %s: %w", sample.ID, err))
			} else {
				score(reports[types.MethodKNN], sample, knn.Continental)
			}

			likelihood := scorer.ContinentalLikelihood(dosage)
			score(reports[types.MethodLikelihood], sample, likelihood.Continental)

			if err == nil {
				combined := combineForValidation(knn.Continental, likelihood.Continental)
				score(reports[types.MethodCombined], sample, combined)
			}

			subpopPosteriors, err := scorer.SubpopulationRefinement(ctx, dosage, continent)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("subpopulation refinement for sample %s: %w", sample.ID, err))
			} else {
				if len(subpopPosteriors.WeightedKNN) > 0 {
					scoreSubpopulation(reports[types.MethodWeightedKNN], continent, sample, subpopPosteriors.WeightedKNN)
				}
				if len(subpopPosteriors.Combined) > 0 {
					scoreSubpopulation(reports[types.MethodCombined], continent, sample, subpopPosteriors.Combined)
				}
			}
		}
	}

	return finalize(reports, errs)
}

func finalize(reports map[types.Method]*MethodReport, errs error) Report {
	out := Report{Errors: errs}
	for _, method := range testMethods {
		out.Methods = append(out.Methods, *reports[method])
	}
	return out
}

// selectSamples returns up to max panel samples belonging to continent,
// in the panel's sample-info order, for deterministic runs.
func selectSamples(p *panel.Panel, continent types.Population, max int) []types.SampleInfo {
	var out []types.SampleInfo
	for _, info := range p.SampleInfo() {
		if info.Superpopulation != continent {
			continue
		}
		out = append(out, info)
		if len(out) >= max {
			break
		}
	}
	return out
}

// sampleDosage reads a panel sample's own genotype row back out as an
// AlignedDosage, so the same panelinfer.Scorer machinery that scores user
// genotypes can score this held-out sample against the rest of the panel.
func sampleDosage(p *panel.Panel, sample types.SampleInfo) *types.AlignedDosage {
	dosage := &types.AlignedDosage{IndexByRSID: make(map[string]int)}

	for _, rsid := range p.RSIDs() {
		row, ok := p.Dosages(rsid)
		if !ok {
			continue
		}
		d := row[sample.Index]
		if panel.IsMissing(d) {
			continue
		}

		dosage.IndexByRSID[rsid] = len(dosage.RSIDs)
		dosage.RSIDs = append(dosage.RSIDs, rsid)
		dosage.Dosages = append(dosage.Dosages, d)
		dosage.Frequencies = append(dosage.Frequencies, types.Proportions{}) // unused by panelinfer, which recomputes frequencies itself
	}

	return dosage
}

// combineForValidation averages the two scorable methods equally; EM isn't
// exercised here since this harness only validates panel-backed methods.
func combineForValidation(knn, likelihood types.Proportions) types.Proportions {
	var out types.Proportions
	for _, pop := range types.Populations {
		out[pop] = (knn[pop] + likelihood[pop]) / 2
	}
	out.Normalize()
	return out
}

func score(report *MethodReport, sample types.SampleInfo, predicted types.Proportions) {
	report.Samples++
	predictedLabel := predicted.ArgMax()
	if predictedLabel == sample.Superpopulation {
		report.Correct++
	}
	report.ContinentalMatrix.record(sample.Superpopulation.String(), predictedLabel.String())
}

func scoreSubpopulation(report *MethodReport, continent types.Population, sample types.SampleInfo, posterior map[string]float64) {
	best := ""
	bestScore := -1.0
	for code, p := range posterior {
		if p > bestScore {
			best = code
			bestScore = p
		}
	}

	if report.SubpopulationMatrix[continent] == nil {
		report.SubpopulationMatrix[continent] = ConfusionMatrix{}
	}
	report.SubpopulationMatrix[continent].record(sample.Population, best)
}

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

// Package admixture implements the EM admixture solver: it maximises the
// likelihood of a user's genotypes under a mixture of the five continental
// allele-frequency profiles, assuming Hardy-Weinberg equilibrium within
// each population.
package admixture

import (
	"fmt"
	"math"

	"github.com/zymatik-com/ancestry/internal/errs"
	"github.com/zymatik-com/ancestry/internal/types"
)

const (
	maxIterations  = 50
	convergenceTol = 1e-6
	instabilityTol = 1e-2
	minFreq        = 0.001
	maxFreq        = 0.999
)

// Result is the output of the EM solver.
type Result struct {
	Proportions    types.Proportions
	MarkersUsed    int
	Confidence     types.Confidence
	Converged      bool
	LogLikelihoods []float64 // incomplete-data log-likelihood at each iteration, for the monotonicity property
}

// clampFreq keeps an allele frequency away from 0/1 to avoid log(0) and
// zero-probability genotypes in the HWE formulas below.
func clampFreq(p float64) float64 {
	if p < minFreq {
		return minFreq
	}
	if p > maxFreq {
		return maxFreq
	}
	return p
}

// hweProbability returns P(dosage | allele frequency p) under Hardy-Weinberg
// equilibrium.
func hweProbability(dosage uint8, p float64) float64 {
	switch dosage {
	case 0:
		return (1 - p) * (1 - p)
	case 1:
		return 2 * p * (1 - p)
	case 2:
		return p * p
	default:
		return 0
	}
}

// Run executes the EM algorithm over an aligned dosage vector whose
// Frequencies are the AIM database's per-population allele frequencies.
// Markers whose frequency table is entirely absent are expected to have
// already been dropped by the overlap indexer, so every entry here is
// used. A non-nil error wraps errs.ErrNumericalInstability when the
// iteration cap was hit with the proportions still changing by more than
// instabilityTol; this is not fatal, only a signal to degrade confidence.
func Run(dosage *types.AlignedDosage) (Result, error) {
	m := len(dosage.Dosages)

	theta := types.Proportions{}
	for _, pop := range types.Populations {
		theta[pop] = 1.0 / float64(types.NumPopulations)
	}

	if m == 0 {
		return Result{Proportions: theta, MarkersUsed: 0, Confidence: types.ConfidenceLow}, nil
	}

	// Pre-clamp frequencies once; they don't change across iterations.
	freqs := make([]types.Proportions, m)
	for i, f := range dosage.Frequencies {
		for _, pop := range types.Populations {
			freqs[i][pop] = clampFreq(f[pop])
		}
	}

	logLikelihoods := make([]float64, 0, maxIterations+1)
	converged := false
	lastMaxDelta := 0.0

	responsibilities := make([]types.Proportions, m)

	for iter := 0; iter < maxIterations; iter++ {
		var logLikelihood float64

		// E-step.
		for i := 0; i < m; i++ {
			var r types.Proportions
			var rowTotal float64
			for _, pop := range types.Populations {
				p := hweProbability(dosage.Dosages[i], freqs[i][pop])
				r[pop] = theta[pop] * p
				rowTotal += r[pop]
			}

			if rowTotal > 0 {
				logLikelihood += math.Log(rowTotal)
				for _, pop := range types.Populations {
					r[pop] /= rowTotal
				}
			}

			responsibilities[i] = r
		}

		logLikelihoods = append(logLikelihoods, logLikelihood)

		// M-step.
		var next types.Proportions
		for i := 0; i < m; i++ {
			for _, pop := range types.Populations {
				next[pop] += responsibilities[i][pop]
			}
		}
		for _, pop := range types.Populations {
			next[pop] /= float64(m)
		}

		maxDelta := 0.0
		for _, pop := range types.Populations {
			delta := math.Abs(next[pop] - theta[pop])
			if delta > maxDelta {
				maxDelta = delta
			}
		}

		theta = next
		lastMaxDelta = maxDelta

		if maxDelta < convergenceTol {
			converged = true
			break
		}
	}

	theta.Normalize()

	confidence := types.ConfidenceLow
	switch {
	case m >= 2000:
		confidence = types.ConfidenceHigh
	case m >= 500:
		confidence = types.ConfidenceModerate
	}

	var err error
	if !converged && lastMaxDelta > instabilityTol {
		// Instability is rare; downgrade confidence rather than treat it
		// as fatal.
		if confidence == types.ConfidenceHigh {
			confidence = types.ConfidenceModerate
		}
		err = fmt.Errorf("%w: change still %.4f after %d iterations", errs.ErrNumericalInstability, lastMaxDelta, maxIterations)
	}

	return Result{
		Proportions:    theta,
		MarkersUsed:    m,
		Confidence:     confidence,
		Converged:      converged,
		LogLikelihoods: logLikelihoods,
	}, err
}

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

// Package hmm implements the local-ancestry hidden Markov model: a
// forward-backward smoother over a chromosome's ordered markers, with one
// hidden state per continental population, yielding per-locus posterior
// ancestries. Every chromosome is run independently, which lets the caller
// fan the work out across goroutines.
package hmm

import (
	"context"
	"math"

	"github.com/zymatik-com/ancestry/internal/types"
)

// expectedSegmentCM is the target expected segment length, in centimorgans,
// used to derive the transition rate ρ.
const expectedSegmentCM = 20.0

// bpPerCM is the approximate base-pair to centimorgan ratio used when no
// genetic map is available (ρ = Δbp / 20_000_000).
const bpPerCM = 1_000_000.0

// Marker is one ordered locus on a chromosome: a position, the user's
// dosage, and each population's allele frequency, from which the HWE
// emission likelihood at that locus is computed.
type Marker struct {
	Position    int64
	Dosage      uint8
	Frequencies types.Proportions
	HasFreq     bool // false if this marker's frequency table was unavailable and should be skipped
}

// MarkerResult is the HMM's per-locus output.
type MarkerResult struct {
	Posterior  types.Proportions
	Label      types.Population
	Confidence types.Confidence
}

const (
	minFreq = 0.001
	maxFreq = 0.999
)

func clamp(p float64) float64 {
	if p < minFreq {
		return minFreq
	}
	if p > maxFreq {
		return maxFreq
	}
	return p
}

func hwe(dosage uint8, p float64) float64 {
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

// logSumExp reduces a slice of log-domain values to log(sum(exp(values))),
// guarding against underflow the way long chromosomes with thousands of
// markers require.
func logSumExp(values []float64) float64 {
	max := math.Inf(-1)
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		return max
	}

	var sum float64
	for _, v := range values {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

// RunChromosome executes forward-backward over one chromosome's ordered
// markers, returning a per-marker posterior. prior is the global admixture
// estimate, used both as the initial distribution and as the
// switch-target distribution in the transition kernel.
func RunChromosome(ctx context.Context, markers []Marker, prior types.Proportions) ([]MarkerResult, error) {
	n := len(markers)
	if n == 0 {
		return nil, nil
	}

	logPrior := logVector(prior)

	// log-emission[i][k]
	logEmission := make([][types.NumPopulations]float64, n)
	for i, m := range markers {
		for _, pop := range types.Populations {
			if !m.HasFreq {
				logEmission[i][pop] = 0 // uninformative marker: contributes nothing
				continue
			}
			logEmission[i][pop] = math.Log(hwe(m.Dosage, clamp(m.Frequencies[pop])))
		}
	}

	// Forward pass.
	logAlpha := make([][types.NumPopulations]float64, n)
	for k := 0; k < types.NumPopulations; k++ {
		logAlpha[0][k] = logPrior[k] + logEmission[0][k]
	}

	for i := 1; i < n; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logTrans := transitionMatrix(markers[i-1].Position, markers[i].Position, prior)

		for k := 0; k < types.NumPopulations; k++ {
			terms := make([]float64, types.NumPopulations)
			for j := 0; j < types.NumPopulations; j++ {
				terms[j] = logAlpha[i-1][j] + logTrans[j][k]
			}
			logAlpha[i][k] = logSumExp(terms) + logEmission[i][k]
		}
	}

	// Backward pass.
	logBeta := make([][types.NumPopulations]float64, n)
	// logBeta[n-1] is all zero (log 1).

	for i := n - 2; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logTrans := transitionMatrix(markers[i].Position, markers[i+1].Position, prior)

		for j := 0; j < types.NumPopulations; j++ {
			terms := make([]float64, types.NumPopulations)
			for k := 0; k < types.NumPopulations; k++ {
				terms[k] = logTrans[j][k] + logEmission[i+1][k] + logBeta[i+1][k]
			}
			logBeta[i][j] = logSumExp(terms)
		}
	}

	results := make([]MarkerResult, n)
	for i := 0; i < n; i++ {
		logGamma := make([]float64, types.NumPopulations)
		for k := 0; k < types.NumPopulations; k++ {
			logGamma[k] = logAlpha[i][k] + logBeta[i][k]
		}
		norm := logSumExp(logGamma)

		var posterior types.Proportions
		for k := 0; k < types.NumPopulations; k++ {
			posterior[k] = math.Exp(logGamma[k] - norm)
		}
		posterior.Normalize()

		label := posterior.ArgMax()
		conf := posterior[label]

		results[i] = MarkerResult{
			Posterior:  posterior,
			Label:      label,
			Confidence: confidenceFor(conf),
		}
	}

	return results, nil
}

func confidenceFor(maxPosterior float64) types.Confidence {
	switch {
	case maxPosterior >= 0.8:
		return types.ConfidenceHigh
	case maxPosterior >= 0.6:
		return types.ConfidenceModerate
	default:
		return types.ConfidenceLow
	}
}

func logVector(p types.Proportions) [types.NumPopulations]float64 {
	var out [types.NumPopulations]float64
	for _, pop := range types.Populations {
		v := p[pop]
		if v <= 0 {
			v = 1e-12
		}
		out[pop] = math.Log(v)
	}
	return out
}

// transitionMatrix builds the self-persistent transition kernel for the gap
// between two adjacent markers: P(stay) = 1-ρ, P(switch to k) = ρ·θ_k,
// with ρ chosen from inter-marker spacing so the expected segment length is
// ≈20cM (ρ = Δbp / 20_000_000).
func transitionMatrix(fromPos, toPos int64, theta types.Proportions) [types.NumPopulations][types.NumPopulations]float64 {
	deltaBP := float64(toPos - fromPos)
	if deltaBP < 0 {
		deltaBP = 0
	}

	rho := deltaBP / (expectedSegmentCM * bpPerCM)
	if rho > 1 {
		rho = 1
	}

	var logTrans [types.NumPopulations][types.NumPopulations]float64
	for _, from := range types.Populations {
		for _, to := range types.Populations {
			var p float64
			if from == to {
				p = (1 - rho) + rho*theta[to]
			} else {
				p = rho * theta[to]
			}
			if p <= 0 {
				p = 1e-12
			}
			logTrans[from][to] = math.Log(p)
		}
	}
	return logTrans
}

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

// Package ancestryconfig holds the tuning knobs exposed across the
// inference pipeline. main.go starts from Defaults(); only the validate
// command overrides a field (ValidationSamplesPerPopulation) from a CLI
// flag. Every field
// has a zero value that Defaults() fills in, so callers that build a
// Config by hand (tests, the validation harness) don't need to know every
// default.
package ancestryconfig

// Config tunes the numerical parameters of the inference pipeline that are
// left as defaults rather than hard constants. Only KNNNeighbors,
// InsufficientMarkerThreshold, MinValidRows and
// ValidationSamplesPerPopulation are read; sub-population refinement, the
// HMM, the segmenter and the AIM build use their own package constants
// with the same default values, so the other fields have no effect.
type Config struct {
	// KNNNeighbors is k for continental k-NN (default: 20).
	KNNNeighbors int

	// SubpopulationKNNNeighbors is k for the weighted sub-population
	// k-NN pass (default: 50).
	SubpopulationKNNNeighbors int

	// SubpopulationTopMarkers is how many FST-ranked markers feed
	// sub-population refinement (default: 500).
	SubpopulationTopMarkers int

	// ExpectedSegmentCM is the target HMM segment length in
	// centimorgans, used to derive the transition rate (default: 20).
	ExpectedSegmentCM float64

	// MergeThresholdBP is the minimum local-ancestry segment length
	// before it is folded into a neighbour (default: 500,000).
	MergeThresholdBP int64

	// FSTCutoff is the minimum fixation index an AIM-build candidate
	// marker must clear to be accepted (default: 0.08).
	FSTCutoff float64

	// EarlyStopMarkers caps how many new markers an AIM-build run will
	// accept before stopping early (default: 5000).
	EarlyStopMarkers int

	// InsufficientMarkerThreshold is the minimum overlapping marker
	// count below which inference aborts with ErrInsufficientMarkers
	// (default: 100).
	InsufficientMarkerThreshold int

	// MinValidRows is the minimum number of successfully parsed SNP
	// rows a genotype file must have (default: 1000).
	MinValidRows int

	// ValidationSamplesPerPopulation bounds how many held-out samples
	// the leave-one-out harness draws per continental population.
	ValidationSamplesPerPopulation int
}

// Defaults returns a Config populated with the pipeline's concrete
// numerical defaults.
func Defaults() Config {
	return Config{
		KNNNeighbors:                   20,
		SubpopulationKNNNeighbors:      50,
		SubpopulationTopMarkers:        500,
		ExpectedSegmentCM:              20.0,
		MergeThresholdBP:               500_000,
		FSTCutoff:                      0.08,
		EarlyStopMarkers:               5000,
		InsufficientMarkerThreshold:    100,
		MinValidRows:                   1000,
		ValidationSamplesPerPopulation: 10,
	}
}

// WithOverrides returns a copy of c with every non-zero field of override
// applied on top, letting CLI flags override only the defaults a user
// actually set.
func (c Config) WithOverrides(override Config) Config {
	out := c
	if override.KNNNeighbors != 0 {
		out.KNNNeighbors = override.KNNNeighbors
	}
	if override.SubpopulationKNNNeighbors != 0 {
		out.SubpopulationKNNNeighbors = override.SubpopulationKNNNeighbors
	}
	if override.SubpopulationTopMarkers != 0 {
		out.SubpopulationTopMarkers = override.SubpopulationTopMarkers
	}
	if override.ExpectedSegmentCM != 0 {
		out.ExpectedSegmentCM = override.ExpectedSegmentCM
	}
	if override.MergeThresholdBP != 0 {
		out.MergeThresholdBP = override.MergeThresholdBP
	}
	if override.FSTCutoff != 0 {
		out.FSTCutoff = override.FSTCutoff
	}
	if override.EarlyStopMarkers != 0 {
		out.EarlyStopMarkers = override.EarlyStopMarkers
	}
	if override.InsufficientMarkerThreshold != 0 {
		out.InsufficientMarkerThreshold = override.InsufficientMarkerThreshold
	}
	if override.MinValidRows != 0 {
		out.MinValidRows = override.MinValidRows
	}
	if override.ValidationSamplesPerPopulation != 0 {
		out.ValidationSamplesPerPopulation = override.ValidationSamplesPerPopulation
	}
	return out
}

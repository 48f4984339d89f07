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

// Package errs holds the sentinel error kinds shared across the inference
// pipeline. Callers should compare with errors.Is, since every returned
// error wraps one of these.
package errs

import "errors"

var (
	// ErrUnrecognisedFormat means vendor detection or row parsing failed
	// past recoverable limits.
	ErrUnrecognisedFormat = errors.New("unrecognised snp file format")

	// ErrInsufficientMarkers means fewer markers than the configured
	// threshold (default 100) overlapped with the target marker set. Too
	// few parsed rows is reported as ErrUnrecognisedFormat instead.
	ErrInsufficientMarkers = errors.New("insufficient markers for inference")

	// ErrReferenceUnavailable means the AIM database or reference panel
	// failed to load.
	ErrReferenceUnavailable = errors.New("reference data unavailable")

	// ErrNumericalInstability means the EM solver failed to converge
	// within its iteration cap and the final change was still large.
	ErrNumericalInstability = errors.New("numerical instability during inference")

	// ErrExternalService is returned by the offline AIM build pipeline
	// when the variant service responds with a non-2xx status other than
	// 429 (a 429 is retried with backoff).
	ErrExternalService = errors.New("external variant service error")
)

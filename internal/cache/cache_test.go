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

package cache_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/ancestry/internal/cache"
	"github.com/zymatik-com/ancestry/internal/types"
)

func openTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")
	c, err := cache.Open(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), path, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetComposition_RoundTrips(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	result := types.CompositionResult{
		Continental: types.Proportions{types.EUR: 0.7, types.AFR: 0.2, types.EAS: 0.05, types.SAS: 0.03, types.AMR: 0.02},
		Method:      types.MethodCombined,
		MarkersUsed: 12345,
		Confidence:  types.ConfidenceHigh,
	}

	require.NoError(t, c.PutComposition(ctx, "sample-1", result))

	got, ok, err := c.GetComposition(ctx, "sample-1", types.MethodCombined)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, result.Method, got.Method)
	assert.Equal(t, result.MarkersUsed, got.MarkersUsed)
	assert.Equal(t, result.Confidence, got.Confidence)
	assert.InDelta(t, result.Continental[types.EUR], got.Continental[types.EUR], 1e-9)
}

func TestGetComposition_MissingRowReturnsNotOK(t *testing.T) {
	c := openTestCache(t)

	_, ok, err := c.GetComposition(context.Background(), "nobody", types.MethodEM)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutComposition_UpsertsOnConflict(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	first := types.CompositionResult{
		Continental: types.Proportions{types.EUR: 1},
		Method:      types.MethodEM,
		MarkersUsed: 100,
		Confidence:  types.ConfidenceLow,
	}
	require.NoError(t, c.PutComposition(ctx, "sample-1", first))

	second := first
	second.MarkersUsed = 500
	second.Confidence = types.ConfidenceHigh
	require.NoError(t, c.PutComposition(ctx, "sample-1", second))

	got, ok, err := c.GetComposition(ctx, "sample-1", types.MethodEM)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 500, got.MarkersUsed)
	assert.Equal(t, types.ConfidenceHigh, got.Confidence)
}

func TestPutGetSegments_RoundTripsAndReplaces(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	segments := []types.Segment{
		{Chromosome: "1", Start: 0, End: 1_000_000, Category: types.EUR, Confidence: types.ConfidenceHigh, Parent: types.ParentUnphased},
		{Chromosome: "1", Start: 1_000_000, End: 2_000_000, Category: types.AFR, Confidence: types.ConfidenceModerate, Parent: types.ParentUnphased},
	}
	require.NoError(t, c.PutSegments(ctx, "sample-1", segments))

	got, err := c.GetSegments(ctx, "sample-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.Chromosome("1"), got[0].Chromosome)
	assert.Equal(t, types.EUR, got[0].Category)
	assert.Equal(t, types.AFR, got[1].Category)

	// A second Put must replace, not append.
	require.NoError(t, c.PutSegments(ctx, "sample-1", segments[:1]))
	got, err = c.GetSegments(ctx, "sample-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

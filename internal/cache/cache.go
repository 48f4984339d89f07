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

// Package cache is an optional SQLite-backed session store: it remembers a
// sample's admixture results and local-ancestry segments across `infer`
// invocations, so a second run against the same sample ID (e.g. re-running
// only local ancestry after composition already ran) doesn't repeat work.
// Nothing in the core inference pipeline depends on this package; the CLI
// wires it in as a side cache, an explicitly-owned dependency passed in by
// the caller rather than a package-level singleton.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/zymatik-com/ancestry/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Cache is an open session cache.
type Cache struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) a SQLite session cache at path. When
// noSync is true, synchronous writes are disabled for speed at the cost of
// durability across a crash.
func Open(ctx context.Context, logger *slog.Logger, path string, noSync bool) (*Cache, error) {
	dsn := path + "?_journal=WAL&_timeout=5000"
	if noSync {
		dsn += "&_sync=OFF"
	} else {
		dsn += "&_sync=NORMAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open session cache: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to session cache: %w", err)
	}

	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run session cache migrations: %w", err)
	}

	return &Cache{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// PutComposition records a composition result for sampleID under method.
func (c *Cache) PutComposition(ctx context.Context, sampleID string, result types.CompositionResult) error {
	encoded, err := json.Marshal(result.Continental)
	if err != nil {
		return fmt.Errorf("could not encode proportions: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sessions (sample_id, method, continental, markers_used, confidence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sample_id, method) DO UPDATE SET
			continental = excluded.continental,
			markers_used = excluded.markers_used,
			confidence = excluded.confidence,
			created_at = CURRENT_TIMESTAMP
	`, sampleID, string(result.Method), string(encoded), result.MarkersUsed, string(result.Confidence))
	if err != nil {
		return fmt.Errorf("could not store composition result: %w", err)
	}

	return nil
}

// GetComposition looks up a previously cached composition result. ok is
// false if no row exists for sampleID/method.
func (c *Cache) GetComposition(ctx context.Context, sampleID string, method types.Method) (types.CompositionResult, bool, error) {
	var row struct {
		Continental string `db:"continental"`
		MarkersUsed int    `db:"markers_used"`
		Confidence  string `db:"confidence"`
	}

	err := c.db.GetContext(ctx, &row, `
		SELECT continental, markers_used, confidence
		FROM sessions
		WHERE sample_id = ? AND method = ?
	`, sampleID, string(method))
	if err == sql.ErrNoRows {
		return types.CompositionResult{}, false, nil
	}
	if err != nil {
		return types.CompositionResult{}, false, fmt.Errorf("could not load composition result: %w", err)
	}

	var proportions types.Proportions
	if err := json.Unmarshal([]byte(row.Continental), &proportions); err != nil {
		return types.CompositionResult{}, false, fmt.Errorf("could not decode proportions: %w", err)
	}

	return types.CompositionResult{
		Continental: proportions,
		Method:      method,
		MarkersUsed: row.MarkersUsed,
		Confidence:  types.Confidence(row.Confidence),
	}, true, nil
}

// PutSegments replaces the cached local-ancestry segments for sampleID.
func (c *Cache) PutSegments(ctx context.Context, sampleID string, segments []types.Segment) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE sample_id = ?`, sampleID); err != nil {
		return fmt.Errorf("could not clear previous segments: %w", err)
	}

	for _, s := range segments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (sample_id, chromosome, start_bp, end_bp, category, confidence, parent)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sampleID, string(s.Chromosome), s.Start, s.End, s.Category.String(), string(s.Confidence), string(s.Parent))
		if err != nil {
			return fmt.Errorf("could not store segment: %w", err)
		}
	}

	return tx.Commit()
}

// GetSegments loads the cached local-ancestry segments for sampleID, if
// any were stored.
func (c *Cache) GetSegments(ctx context.Context, sampleID string) ([]types.Segment, error) {
	var rows []struct {
		Chromosome string `db:"chromosome"`
		Start      int64  `db:"start_bp"`
		End        int64  `db:"end_bp"`
		Category   string `db:"category"`
		Confidence string `db:"confidence"`
		Parent     string `db:"parent"`
	}

	if err := c.db.SelectContext(ctx, &rows, `
		SELECT chromosome, start_bp, end_bp, category, confidence, parent
		FROM segments
		WHERE sample_id = ?
		ORDER BY chromosome, start_bp
	`, sampleID); err != nil {
		return nil, fmt.Errorf("could not load segments: %w", err)
	}

	segments := make([]types.Segment, 0, len(rows))
	for _, r := range rows {
		pop, err := types.ParsePopulation(r.Category)
		if err != nil {
			continue
		}
		segments = append(segments, types.Segment{
			Chromosome: types.Chromosome(r.Chromosome),
			Start:      r.Start,
			End:        r.End,
			Category:   pop,
			Confidence: types.Confidence(r.Confidence),
			Parent:     types.Parent(r.Parent),
		})
	}

	return segments, nil
}

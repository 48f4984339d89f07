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

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zymatik-com/ancestry/internal/aimbuild"
	"github.com/zymatik-com/ancestry/internal/aimdb"
	"github.com/zymatik-com/ancestry/internal/ancestryconfig"
	"github.com/zymatik-com/ancestry/internal/cache"
	"github.com/zymatik-com/ancestry/internal/inference"
	"github.com/zymatik-com/ancestry/internal/panel"
	"github.com/zymatik-com/ancestry/internal/panelbuild"
	"github.com/zymatik-com/ancestry/internal/snparray"
	"github.com/zymatik-com/ancestry/internal/types"
	"github.com/zymatik-com/ancestry/internal/validate"
)

func main() {
	var logger *slog.Logger
	var showProgress bool

	init := func(c *cli.Context) error {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: (*slog.Level)(c.Generic("log-level").(*logLevelFlag)),
		}))

		showProgress = c.Bool("show-progress")

		return nil
	}

	sharedFlags := []cli.Flag{
		&cli.GenericFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set the log level",
			Value:   fromLogLevel(slog.LevelInfo),
		},
		&cli.BoolFlag{
			Name:    "show-progress",
			Aliases: []string{"p"},
			Usage:   "Show progress bars",
			Value:   true,
		},
	}

	app := &cli.App{
		Name:   "ancestry",
		Usage:  "Infer continental and local genetic ancestry from consumer SNP genotype files",
		Flags:  sharedFlags,
		Before: init,
		Commands: []*cli.Command{
			{
				Name:      "infer",
				Usage:     "Infer continental composition (and optionally local ancestry) for a genotype file",
				UsageText: "ancestry infer [--panel panel.json] [--local] <aims.json> <genotype file path>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "panel",
						Usage: "Path to a packed reference panel JSON document",
					},
					&cli.BoolFlag{
						Name:  "local",
						Usage: "Also infer local ancestry segments (requires --panel)",
						Value: false,
					},
					&cli.StringFlag{
						Name:  "cache",
						Usage: "Path to a SQLite session cache; when set, results are recorded under the sample ID",
					},
					&cli.StringFlag{
						Name:  "sample-id",
						Usage: "Sample ID to key session cache entries by (defaults to the genotype file name)",
					},
					&cli.BoolFlag{
						Name:  "no-sync",
						Usage: "Don't sync the session cache to disk after each write (unsafe)",
						Value: false,
					},
				}, sharedFlags...),
				Before: init,
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected an aim database path and a genotype file path")
					}

					aimsPath := c.Args().Get(0)
					genotypePath := c.Args().Get(1)

					aims, err := aimdb.Load(aimsPath)
					if err != nil {
						return fmt.Errorf("could not load aim database: %w", err)
					}

					var refPanel *panel.Panel
					if panelPath := c.String("panel"); panelPath != "" {
						refPanel, err = panel.Load(panelPath)
						if err != nil {
							return fmt.Errorf("could not load reference panel: %w", err)
						}
					}

					if c.Bool("local") && refPanel == nil {
						return fmt.Errorf("--local requires --panel")
					}

					parsed, err := snparray.LoadFile(genotypePath, showProgress)
					if err != nil {
						return fmt.Errorf("could not load genotype file: %w", err)
					}

					cfg := ancestryconfig.Defaults()
					if err := inference.ParseFile(parsed, cfg); err != nil {
						return err
					}

					refs := inference.References{AIMs: aims, Panel: refPanel}

					composition, err := inference.InferAdmixture(c.Context, parsed, refs, cfg)
					if err != nil {
						return fmt.Errorf("could not infer composition: %w", err)
					}

					logger.Info("Inferred continental composition",
						"method", composition.Method, "markersUsed", composition.MarkersUsed, "confidence", composition.Confidence)

					sampleID := c.String("sample-id")
					if sampleID == "" {
						sampleID = genotypePath
					}

					var store *cache.Cache
					if cachePath := c.String("cache"); cachePath != "" {
						store, err = cache.Open(c.Context, logger, cachePath, c.Bool("no-sync"))
						if err != nil {
							return fmt.Errorf("could not open session cache: %w", err)
						}
						defer store.Close()

						if err := store.PutComposition(c.Context, sampleID, composition); err != nil {
							return fmt.Errorf("could not cache composition result: %w", err)
						}
					}

					var segments []types.Segment
					if c.Bool("local") {
						segments, err = inference.InferLocalAncestry(c.Context, parsed, refs, composition.Continental, types.ParentUnphased)
						if err != nil {
							return fmt.Errorf("could not infer local ancestry: %w", err)
						}

						logger.Info("Inferred local ancestry segments", "count", len(segments))

						if store != nil {
							if err := store.PutSegments(c.Context, sampleID, segments); err != nil {
								return fmt.Errorf("could not cache local ancestry segments: %w", err)
							}
						}
					}

					return json.NewEncoder(os.Stdout).Encode(struct {
						Composition types.CompositionResult `json:"composition"`
						Segments    []types.Segment          `json:"segments,omitempty"`
					}{Composition: composition, Segments: segments})
				},
			},
			{
				Name:      "build-panel",
				Usage:     "Build a packed reference panel document from a population VCF and sample manifest",
				UsageText: "ancestry build-panel <-m manifest.csv> <vcf path> <output path>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "manifest",
						Aliases:  []string{"m"},
						Usage:    "Sample manifest CSV (sampleId,population,superpopulation)",
						Required: true,
					},
				}, sharedFlags...),
				Before: init,
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected a vcf path and an output path")
					}

					manifestFile, err := os.Open(c.String("manifest"))
					if err != nil {
						return fmt.Errorf("could not open sample manifest: %w", err)
					}
					defer manifestFile.Close()

					manifest, err := panelbuild.ReadManifest(manifestFile)
					if err != nil {
						return fmt.Errorf("could not read sample manifest: %w", err)
					}

					vcfPath := c.Args().Get(0)
					outPath := c.Args().Get(1)

					logger.Info("Building reference panel", "vcf", vcfPath, "samples", len(manifest))

					kept, err := panelbuild.Build(logger, vcfPath, manifest, showProgress, outPath)
					if err != nil {
						return fmt.Errorf("could not build reference panel: %w", err)
					}

					logger.Info("Reference panel written", "markers", kept, "path", outPath)

					return nil
				},
			},
			{
				Name:      "build-aims",
				Usage:     "Build an ancestry-informative marker database from an external variant service",
				UsageText: "ancestry build-aims [--fst-cutoff f] [--existing aims.json] <base url> <seed rsid list> <output path>",
				Flags: append([]cli.Flag{
					&cli.Float64Flag{
						Name:  "fst-cutoff",
						Usage: "Minimum cross-continental FST required to accept a marker",
						Value: 0.08,
					},
					&cli.IntFlag{
						Name:  "early-stop",
						Usage: "Stop after this many new markers are accepted (0 = no early stop beyond the built-in default)",
					},
					&cli.StringFlag{
						Name:  "existing",
						Usage: "Path to an existing aim database to dedupe the seed list against",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "HTTP client timeout per request",
						Value: 30 * time.Second,
					},
				}, sharedFlags...),
				Before: init,
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return fmt.Errorf("expected a base url, a seed rsid list path, and an output path")
					}

					baseURL := c.Args().Get(0)
					seedPath := c.Args().Get(1)
					outPath := c.Args().Get(2)

					seeds, err := readLines(seedPath)
					if err != nil {
						return fmt.Errorf("could not read seed rsid list: %w", err)
					}

					existing := map[string]bool{}
					if existingPath := c.String("existing"); existingPath != "" {
						db, err := aimdb.Load(existingPath)
						if err != nil {
							return fmt.Errorf("could not load existing aim database: %w", err)
						}
						for _, rsid := range db.RSIDs() {
							existing[rsid] = true
						}
					}

					client := aimbuild.NewClient(baseURL, &http.Client{Timeout: c.Duration("timeout")})

					opts := aimbuild.Options{
						FSTCutoff:    c.Float64("fst-cutoff"),
						EarlyStop:    c.Int("early-stop"),
						ShowProgress: showProgress,
					}

					logger.Info("Building aim database", "baseURL", baseURL, "seeds", len(seeds))

					accepted, err := aimbuild.Build(c.Context, logger, client, seeds, existing, opts, outPath)
					if err != nil {
						return fmt.Errorf("could not build aim database: %w", err)
					}

					logger.Info("Aim database written", "markers", accepted, "path", outPath)

					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Run leave-one-out validation of panel inference against a reference panel",
				UsageText: "ancestry validate [--samples-per-population n] <panel path>",
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:  "samples-per-population",
						Usage: "Maximum number of samples to hold out per continental population",
						Value: 10,
					},
				}, sharedFlags...),
				Before: init,
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected a reference panel path")
					}

					p, err := panel.Load(c.Args().Get(0))
					if err != nil {
						return fmt.Errorf("could not load reference panel: %w", err)
					}

					cfg := ancestryconfig.Defaults()
					cfg.ValidationSamplesPerPopulation = c.Int("samples-per-population")

					logger.Info("Running leave-one-out validation", "samplesPerPopulation", cfg.ValidationSamplesPerPopulation)

					report := validate.Run(c.Context, p, cfg)

					for _, m := range report.Methods {
						logger.Info("Validation result", "method", m.Method, "samples", m.Samples, "accuracy", m.Accuracy())
					}
					if report.Errors != nil {
						logger.Warn("Some validation samples could not be scored", "error", report.Errors)
					}

					return json.NewEncoder(os.Stdout).Encode(report)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("Error running app", "error", err)
		os.Exit(1)
	}
}

// readLines reads a newline-delimited list of rsids, skipping blank lines.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

type logLevelFlag slog.Level

func fromLogLevel(l slog.Level) *logLevelFlag {
	f := logLevelFlag(l)
	return &f
}

func (f *logLevelFlag) Set(value string) error {
	return (*slog.Level)(f).UnmarshalText([]byte(value))
}

func (f *logLevelFlag) String() string {
	return (*slog.Level)(f).String()
}

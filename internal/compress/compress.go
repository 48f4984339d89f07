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

// Package compress transparently decompresses uploaded genotype files.
// Consumer exports are sometimes gzipped; offline reference downloads
// (panel and population VCFs) show up gzip, xz or lz4 compressed.
// Detection is by magic bytes, not file extension, so callers can hand it
// anything that implements io.Reader.
package compress

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

// Decompress sniffs r's leading bytes and returns a reader that yields
// decompressed content. If no known magic is detected, r is passed through
// unchanged. Large inputs are read through pgzip rather than the stdlib
// gzip package so that multi-hundred-megabyte reference downloads decode
// using more than one core.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("could not sniff input: %w", err)
	}

	switch {
	case hasPrefix(header, gzipMagic):
		gr, err := pgzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("could not open gzip stream: %w", err)
		}
		return gr, nil
	case hasPrefix(header, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("could not open xz stream: %w", err)
		}
		return nopCloser{xr}, nil
	case hasPrefix(header, lz4Magic):
		return nopCloser{lz4.NewReader(br)}, nil
	default:
		return nopCloser{br}, nil
	}
}

func hasPrefix(header, magic []byte) bool {
	if len(header) < len(magic) {
		return false
	}
	for i, b := range magic {
		if header[i] != b {
			return false
		}
	}
	return true
}

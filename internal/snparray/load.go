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

package snparray

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/zymatik-com/ancestry/internal/compress"
	"github.com/zymatik-com/ancestry/internal/types"
)

// LoadFile opens path (transparently decompressing it if needed) and parses
// it into a ParsedFile. When showProgress is set, a byte progress bar tracks
// the raw file read.
func LoadFile(path string, showProgress bool) (*types.ParsedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open genotype file: %w", err)
	}
	defer f.Close()

	var src io.Reader = f

	if showProgress {
		fi, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("could not get file info: %w", err)
		}

		bar := pb.Full.Start64(fi.Size())
		bar.Set(pb.Bytes, true)
		defer bar.Finish()

		src = bar.NewProxyReader(f)
	}

	dr, err := compress.Decompress(src)
	if err != nil {
		return nil, fmt.Errorf("could not decompress genotype file: %w", err)
	}
	defer dr.Close()

	return ParseFile(bufio.NewReaderSize(dr, 1<<20))
}

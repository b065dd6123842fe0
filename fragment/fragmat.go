// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fragment

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/inumanag/haptreex/variant"
	"github.com/klauspost/compress/gzip"
)

// QualityCutoff is the minimum phred score for a single-observation fragment
// line to be kept.
const QualityCutoff = 10

// QualityOffset converts between phred scores and the ASCII encoding used in
// fragment files.
const QualityOffset = 33

// Obs is one resolved (SNP, allele, quality) observation.  Qual holds a raw
// phred score when produced by a scan engine and the ASCII-encoded character
// when read back from a fragment file.
type Obs struct {
	SNP    int
	Allele int
	Qual   byte
}

// Entry is one fragment-file line: a read name and its ordered observations.
type Entry struct {
	Name string
	Obs  []Obs
}

// ParseFragmat reads a whitespace-delimited fragment-matrix stream.  Line
// format:
//
//	blockCount readName (firstLineIdx alleleDigits)+ qualString
//
// where firstLineIdx is the 1-based data-line ordinal of the first covered
// variant in the file tab was built from, and each subsequent digit in the
// run covers the next variant line.  Entries naming an unknown variant line
// are logged and skipped; an allele digit out of range for its SNP is fatal.
func ParseFragmat(reader io.Reader, tab *variant.Table) (entries []Entry, err error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("fragment.ParseFragmat: line %d has %d fields, expected at least 4", lineIdx, len(fields))
		}
		name := fields[1]
		qual := fields[len(fields)-1]
		pairs := fields[2 : len(fields)-1]
		if len(pairs)%2 == 1 {
			return nil, fmt.Errorf("fragment.ParseFragmat: line %d has an odd (index, alleles) list: %v", lineIdx, pairs)
		}
		if len(qual) == 1 && qual[0] < QualityCutoff+QualityOffset {
			continue
		}

		var obs []Obs
		for i := 0; i < len(pairs); i += 2 {
			idx, aerr := strconv.Atoi(pairs[i])
			if aerr != nil {
				return nil, fmt.Errorf("fragment.ParseFragmat: line %d has invalid variant line index %q", lineIdx, pairs[i])
			}
			for _, digit := range []byte(pairs[i+1]) {
				snpID, known := tab.LineToSNP[idx]
				idx++
				if !known {
					log.Error.Printf("fragment.ParseFragmat: invalid SNP line index %d for read %s, skipping", idx-1, name)
					continue
				}
				snp := &tab.SNPs[snpID]
				allele := int(digit - '0')
				if digit < '0' || digit > '9' || allele >= len(snp.Alleles) {
					return nil, fmt.Errorf("fragment.ParseFragmat: line %d: invalid allele %q for SNP %s:%d", lineIdx, digit, snp.Chrom, snp.Pos+1)
				}
				if len(obs) >= len(qual) {
					return nil, fmt.Errorf("fragment.ParseFragmat: line %d: quality string shorter than observation list", lineIdx)
				}
				obs = append(obs, Obs{SNP: snpID, Allele: allele, Qual: qual[len(obs)]})
			}
		}
		entries = append(entries, Entry{Name: name, Obs: obs})
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFragmat is a wrapper for ParseFragmat that takes a path.
func ReadFragmat(path string, tab *variant.Table) (entries []Entry, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return ParseFragmat(reader, tab)
}

// ReadSet parses one or more fragment files and deduplicates their entries
// into a Set.
func ReadSet(paths []string, tab *variant.Table, skipSingle bool) (*Set, error) {
	set := NewSet(skipSingle)
	for _, path := range paths {
		log.Printf("fragment: parsing %s", path)
		entries, err := ReadFragmat(path, tab)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			alleles := make(map[int]int, len(e.Obs))
			for _, o := range e.Obs {
				alleles[o.SNP] = o.Allele
			}
			set.Add(alleles)
		}
	}
	log.Printf("fragment: %d distinct fragment(s)", set.Len())
	return set, nil
}

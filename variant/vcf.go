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

package variant

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// A single-sample VCF data line has at least these columns:
// CHROM POS ID REF ALT QUAL FILTER INFO FORMAT SAMPLE.
const nVCFCol = 10

// getTokens identifies up to the first len(tokens) tab-separated tokens from
// curLine, returning the number of tokens saved.  Empty tokens are preserved,
// per the VCF column model.
func getTokens(tokens [][]byte, curLine []byte) int {
	pos := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		if pos > lineLen {
			return tokenIdx
		}
		posEnd := pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] == '\t' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
		pos = posEnd + 1
	}
	return len(tokens)
}

// isBase reports whether b is an allele symbol we accept in a SNP.
func isBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T', 'a', 'c', 'g', 't':
		return true
	}
	return false
}

// genotypeAlleles splits the leading GT subfield of sampleCol into 0-based
// allele indices.  Both '/' and '|' separators are accepted.
func genotypeAlleles(sampleCol []byte) ([]int, error) {
	gt := sampleCol
	if i := bytes.IndexByte(gt, ':'); i >= 0 {
		gt = gt[:i]
	}
	var indices []int
	start := 0
	for i := 0; i <= len(gt); i++ {
		if i == len(gt) || gt[i] == '/' || gt[i] == '|' {
			tok := gt[start:i]
			start = i + 1
			if len(tok) == 0 || (len(tok) == 1 && tok[0] == '.') {
				// Missing allele calls carry no phase information.
				continue
			}
			v, err := strconv.Atoi(string(tok))
			if err != nil || v < 0 {
				return nil, fmt.Errorf("malformed genotype %q", gt)
			}
			indices = append(indices, v)
		}
	}
	return indices, nil
}

// NewTable parses a sorted single-sample VCF into a Table.
//
// Retention rules, in order:
//   - lines starting with '#' are headers and don't count as data lines;
//   - multi-base REF alleles (indels) are skipped;
//   - the FORMAT column must lead with GT;
//   - of REF plus the comma-split ALT alleles, only single-base alleles whose
//     index appears in the genotype are kept;
//   - the site is retained iff at least 2 distinct alleles survive.
//
// A retained SNP whose (chromosome, position) precedes the previous one is a
// fatal parse error: the file must be pre-sorted, with each chromosome's lines
// contiguous.
func NewTable(reader io.Reader) (tab Table, err error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)

	tab.LineToSNP = make(map[int]int)
	tab.spans = make(map[string]Span)

	var tokens [nVCFCol][]byte
	lineIdx := 0 // counts all lines, for error messages
	dataIdx := 0 // counts data lines, for LineToSNP
	prevChrom := ""
	spanStart := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		if len(curLine) == 0 {
			continue
		}
		if curLine[0] == '#' {
			continue
		}
		dataIdx++
		if nToken := getTokens(tokens[:], curLine); nToken != nVCFCol {
			err = fmt.Errorf("variant.NewTable: line %d has %d columns, expected at least %d (single-sample VCF)", lineIdx, nToken, nVCFCol)
			return
		}
		ref := tokens[3]
		if len(ref) != 1 {
			// Indel site.
			continue
		}
		format := tokens[8]
		if !(len(format) >= 2 && format[0] == 'G' && format[1] == 'T' && (len(format) == 2 || format[2] == ':')) {
			err = fmt.Errorf("variant.NewTable: line %d FORMAT %q does not lead with GT", lineIdx, format)
			return
		}
		var gt []int
		if gt, err = genotypeAlleles(tokens[9]); err != nil {
			err = fmt.Errorf("variant.NewTable: line %d: %v", lineIdx, err)
			return
		}

		// Allele slot 0 is REF; slots 1.. are the comma-split ALTs.  Keep a
		// slot iff it is single-base and its index is named by the genotype.
		var alleles []byte
		slot := 0
		appendSlot := func(a []byte) {
			if len(a) == 1 && isBase(a[0]) && containsInt(gt, slot) && bytes.IndexByte(alleles, a[0]) < 0 {
				alleles = append(alleles, a[0])
			}
			slot++
		}
		appendSlot(ref)
		alts := tokens[4]
		start := 0
		for i := 0; i <= len(alts); i++ {
			if i == len(alts) || alts[i] == ',' {
				appendSlot(alts[start:i])
				start = i + 1
			}
		}
		if len(alleles) < 2 {
			// Homozygous (or genotype-absent) site.
			continue
		}

		chrom := string(tokens[0])
		var pos1 int
		if pos1, err = strconv.Atoi(string(tokens[1])); err != nil || pos1 < 1 {
			err = fmt.Errorf("variant.NewTable: line %d has invalid POS %q", lineIdx, tokens[1])
			return
		}
		snp := SNP{
			ID:      len(tab.SNPs),
			Chrom:   chrom,
			Pos:     pos1 - 1,
			Name:    string(tokens[2]),
			Alleles: alleles,
		}
		if chrom != prevChrom {
			if prevChrom != "" {
				tab.spans[prevChrom] = Span{Start: spanStart, End: len(tab.SNPs)}
			}
			if _, seen := tab.spans[chrom]; seen {
				err = fmt.Errorf("variant.NewTable: unsorted input (split chromosome %s at line %d)", chrom, lineIdx)
				return
			}
			tab.chromOrder = append(tab.chromOrder, chrom)
			spanStart = len(tab.SNPs)
			prevChrom = chrom
		} else if n := len(tab.SNPs); n > spanStart && snp.Pos < tab.SNPs[n-1].Pos {
			err = fmt.Errorf("variant.NewTable: unsorted input (%s:%d after %s:%d at line %d)", chrom, snp.Pos+1, chrom, tab.SNPs[n-1].Pos+1, lineIdx)
			return
		}
		tab.LineToSNP[dataIdx] = snp.ID
		tab.SNPs = append(tab.SNPs, snp)
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if prevChrom != "" {
		tab.spans[prevChrom] = Span{Start: spanStart, End: len(tab.SNPs)}
	}
	log.Printf("variant: %d heterozygous SNP(s) on %d chromosome(s) loaded", len(tab.SNPs), len(tab.chromOrder))
	return
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// ReadTable is a wrapper for NewTable that takes a path instead of an
// io.Reader.  Gzip-compressed files are detected by suffix.
func ReadTable(path string) (tab Table, err error) {
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
	return NewTable(reader)
}

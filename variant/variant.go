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

// Package variant builds the heterozygous-SNP index consumed by the fragment
// extractors.  The index is a single table of SNPs in (chromosome first-seen
// order, position) order, with a half-open index span per chromosome.
package variant

// SNP is a single-base site at which the sample's genotype shows at least two
// distinct alleles.  ID is dense and equal to the site's position in the
// table, so comparing IDs also compares positions within one chromosome.
type SNP struct {
	ID    int
	Chrom string
	// Pos is the 0-based reference position.
	Pos  int
	Name string
	// Alleles holds the single-base allele symbols actually named by the
	// genotype, in REF-then-ALT order.  len(Alleles) >= 2.
	Alleles []byte
}

// AlleleIndex returns the index of base in s.Alleles, or -1.
func (s *SNP) AlleleIndex(base byte) int {
	for i, a := range s.Alleles {
		if a == base {
			return i
		}
	}
	return -1
}

// Span is a half-open index range [Start, End) into the SNP table.
type Span struct {
	Start int
	End   int
}

// Table is the parsed variant index.
type Table struct {
	// SNPs is the global table, strictly non-decreasing in
	// (chromosome-order, position).
	SNPs []SNP
	// LineToSNP maps the 1-based data-line ordinal in the source file to the
	// SNP id assigned to that line.  Lines skipped during parsing (indels,
	// homozygous sites) have no entry.
	LineToSNP map[int]int

	spans      map[string]Span
	chromOrder []string
}

// Chromosomes returns the chromosome names in first-seen order.
func (t *Table) Chromosomes() []string {
	return t.chromOrder
}

// Span returns the table index span for chrom.
func (t *Table) Span(chrom string) (Span, bool) {
	s, ok := t.spans[chrom]
	return s, ok
}

// Has reports whether chrom contributed any SNP to the table.
func (t *Table) Has(chrom string) bool {
	_, ok := t.spans[chrom]
	return ok
}

// searchSNPs returns the index of the first SNP in t.SNPs[span.Start:span.End]
// with Pos >= pos, relative to the full table.  It's the same contract as
// sort.Search, spelled out because the three-line loop inlines and the
// closure-based version does not.
func searchSNPs(snps []SNP, span Span, pos int) int {
	lo, hi := span.Start, span.End
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if snps[mid].Pos >= pos {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// FirstAtOrAfter returns the smallest table index i within chrom's span such
// that t.SNPs[i].Pos >= pos, or -1 if the chromosome is absent or every SNP on
// it is before pos.
func (t *Table) FirstAtOrAfter(chrom string, pos int) int {
	span, ok := t.spans[chrom]
	if !ok {
		return -1
	}
	idx := searchSNPs(t.SNPs, span, pos)
	if idx == span.End {
		return -1
	}
	return idx
}

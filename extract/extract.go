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

// Package extract converts coordinate-sorted alignment records into per-read
// (or merged per-pair) SNP allele observations.
//
// Problem:
// Given a sorted BAM/SAM stream and the heterozygous-SNP table from package
// variant, we want, for every read or read pair, the set of SNPs the read
// overlaps and the allele it shows at each.  The stream and the table are
// both position-sorted, so one forward pass with a monotone table cursor
// suffices; no per-record binary search is needed.  Mates arrive out of
// order, so a name-keyed pending table holds the first end of each pair
// until its partner shows up or the chromosome scan ends.
package extract

import (
	"github.com/grailbio/hts/sam"
	"github.com/inumanag/haptreex/fragment"
)

// Opts configures the extraction engine.
type Opts struct {
	// MinSNPs is the minimum informative-SNP count for a read to emit a
	// fragment.
	MinSNPs int
	// MinBaseQual is the phred cutoff below which a base call at a SNP is
	// ignored.
	MinBaseQual byte
	// MaxTempLen is the template-length bound beyond which mates are
	// processed as singletons instead of waiting to be merged.  0 disables
	// the bound.
	MaxTempLen int
	// NoDuplicates skips PCR/optical duplicate records.
	NoDuplicates bool
	// Parallelism limits concurrent per-chromosome scans; 0 means
	// runtime.NumCPU().
	Parallelism int
}

// DefaultOpts is the default engine configuration.
var DefaultOpts = Opts{
	MinSNPs:      1,
	MinBaseQual:  10,
	MaxTempLen:   1000,
	NoDuplicates: true,
}

// Iterator yields the coordinate-sorted records of one chromosome.
type Iterator interface {
	// Scan advances to the next record, returning false at end of stream.
	Scan() bool
	// Record returns the current record.  Valid until the next Scan.
	Record() *sam.Record
	// Close releases the iterator's resources.
	Close() error
}

// Source hands out per-chromosome record iterators.  Implementations must
// yield records sorted by position within the chromosome.
type Source interface {
	NewIterator(chrom string) Iterator
}

// A Read is one resolved read or merged pair: the SNPs it overlaps, sorted
// by id, with the allele and the best base quality seen at each.
type Read struct {
	// Name is the read name, with "_MP" appended when both mates of a pair
	// contributed observations.
	Name string
	// Pos is the leftmost alignment position of the contributing records.
	Pos int
	// Barcode is the linked-read BX tag, or "" for untagged reads.
	Barcode string
	// MolIdx is the MI molecule index, or -1 when absent.
	MolIdx int
	Obs    []fragment.Obs
}

// An Extractor turns one chromosome's alignment records into per-read
// resolved allele observations.  Both extraction engines implement it, so
// tests can run identical inputs through each and compare.
type Extractor interface {
	// Extract scans chrom and calls emit once per surviving read or merged
	// pair, with observations sorted by SNP id.
	Extract(chrom string, iter Iterator, emit func(r Read) error) error
}

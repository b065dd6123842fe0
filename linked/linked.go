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

// Package linked merges allele observations from barcode-tagged linked reads
// into per-molecule fragments.
//
// Reads of one long input molecule share a barcode (BX) and a molecule index
// (MI) but land scattered across the chromosome, so they cannot be grouped
// during the position-ordered alignment scan.  Instead each read's resolved
// calls are spilled to disk as they are produced; once the chromosome scan
// completes, an external stable sort brings each molecule's reads together
// and a single replay pass merges them.  Reads without a barcode use the "*"
// sentinel and pass through the replay unmerged.
package linked

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/inumanag/haptreex/extract"
	"github.com/inumanag/haptreex/fragment"
)

// BarcodeNone is the sentinel barcode for reads without a BX tag.
const BarcodeNone = "*"

// Opts configures molecule grouping.
type Opts struct {
	// MinSNPs is the minimum informative-SNP count for a merged molecule to
	// emit a fragment.
	MinSNPs int
	// BatchSize is the number of spill entries per in-memory sort batch; 0
	// means DefaultSpillBatchSize.
	BatchSize int
	// TmpDir holds spill shard files.  "" means the system default.
	TmpDir string
	// Parallelism limits concurrent per-chromosome pipelines in Fragments;
	// 0 means runtime.NumCPU().
	Parallelism int
}

// Molecule is one merged molecular fragment: the union of the unambiguous
// calls of every read sharing (Barcode, MolIdx).
type Molecule struct {
	Barcode string
	MolIdx  int
	// Name identifies the molecule in fragment output: the read's own name
	// for untagged reads, "barcode-molIdx" for grouped ones.
	Name    string
	Alleles map[int]int
}

// A Linker accumulates one chromosome's reads and merges them by molecule.
// Add spills during the alignment scan; Flush sorts, replays, and emits.  A
// Linker is single-use.
type Linker struct {
	opts   Opts
	err    errors.Once
	sorter *extSorter
}

// NewLinker returns a Linker for one chromosome's scan.
func NewLinker(opts Opts) *Linker {
	l := &Linker{opts: opts}
	l.sorter = newExtSorter(opts.BatchSize, opts.TmpDir, &l.err)
	return l
}

// Add spills one resolved read.  A real barcode with a negative molecule
// index means the input's linked-read tagging is corrupt; that is an error,
// not a condition to paper over.
func (l *Linker) Add(r extract.Read) error {
	barcode := r.Barcode
	if barcode == "" {
		barcode = BarcodeNone
	}
	if barcode != BarcodeNone && r.MolIdx < 0 {
		return fmt.Errorf("linked.Add: read %s: barcode %s with negative molecule index %d", r.Name, barcode, r.MolIdx)
	}
	calls := make([]call, len(r.Obs))
	for i, o := range r.Obs {
		calls[i] = call{snp: o.SNP, allele: o.Allele}
	}
	l.sorter.add(entry{barcode: barcode, molIdx: r.MolIdx, pos: r.Pos, name: r.Name, calls: calls})
	return l.err.Err()
}

// Flush sorts the spilled entries by (barcode, molecule index), replays them
// in merged order, and calls emit once per molecule that clears the
// informative-SNP threshold.  Spill shards are removed before Flush returns.
func (l *Linker) Flush(emit func(m Molecule) error) error {
	acc := fragment.Accumulator{MinSNPs: l.opts.MinSNPs}
	var (
		cur    Molecule
		calls  fragment.Calls
		active bool
	)
	flushGroup := func() error {
		if !active {
			return nil
		}
		active = false
		alleles, ok := acc.Flush(calls)
		if !ok {
			return nil
		}
		cur.Alleles = alleles
		return emit(cur)
	}
	l.sorter.merge(func(e *entry) error {
		if e.barcode == BarcodeNone {
			// Untagged reads stand alone: flush any open group, then the
			// read itself.
			if err := flushGroup(); err != nil {
				return err
			}
			cur = Molecule{Barcode: BarcodeNone, MolIdx: e.molIdx, Name: e.name}
			calls = fragment.Calls{}
			for _, c := range e.calls {
				calls.Observe(c.snp, c.allele)
			}
			active = true
			return flushGroup()
		}
		if active && (cur.Barcode != e.barcode || cur.MolIdx != e.molIdx) {
			if err := flushGroup(); err != nil {
				return err
			}
		}
		if !active {
			cur = Molecule{
				Barcode: e.barcode,
				MolIdx:  e.molIdx,
				Name:    fmt.Sprintf("%s-%d", e.barcode, e.molIdx),
			}
			calls = fragment.Calls{}
			active = true
		}
		for _, c := range e.calls {
			calls.Observe(c.snp, c.allele)
		}
		return nil
	})
	if err := l.err.Err(); err != nil {
		return err
	}
	return flushGroup()
}

// Fragments runs the extraction engine over every chromosome carrying SNPs,
// routing each chromosome's reads through a Linker, and deduplicates the
// merged molecules into a fragment set.  The engine's per-read threshold
// still applies before spilling; opts.MinSNPs applies to merged molecules.
func Fragments(ctx context.Context, eng *extract.Engine, src extract.Source, opts Opts, skipSingle bool) (*fragment.Set, fragment.Coverage, error) {
	chroms := eng.Tab.Chromosomes()
	nChrom := len(chroms)
	if nChrom == 0 {
		return fragment.NewSet(skipSingle), fragment.Coverage{}, nil
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > nChrom {
		parallelism = nChrom
	}
	var mu sync.Mutex
	results := make([][]Molecule, nChrom)
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nChrom) / parallelism
		endIdx := ((jobIdx + 1) * nChrom) / parallelism
		for chromIdx := startIdx; chromIdx < endIdx; chromIdx++ {
			chrom := chroms[chromIdx]
			linker := NewLinker(opts)
			if err := eng.Extract(chrom, src.NewIterator(chrom), linker.Add); err != nil {
				return err
			}
			var mols []Molecule
			if err := linker.Flush(func(m Molecule) error {
				mols = append(mols, m)
				return nil
			}); err != nil {
				return err
			}
			log.Printf("linked: %s: %d molecule(s)", chrom, len(mols))
			mu.Lock()
			results[chromIdx] = mols
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	set := fragment.NewSet(skipSingle)
	cov := fragment.Coverage{}
	for _, mols := range results {
		for _, m := range mols {
			for snpID, allele := range m.Alleles {
				cov.Add(snpID, allele)
			}
			set.Add(m.Alleles)
		}
	}
	return set, cov, nil
}

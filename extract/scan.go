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

package extract

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/inumanag/haptreex/fragment"
	"github.com/inumanag/haptreex/variant"
)

var (
	barcodeTag  = sam.NewTag("BX")
	moleculeTag = sam.NewTag("MI")
)

// Engine is the streaming two-pointer extraction engine: a monotone SNP-table
// cursor walks each chromosome once, and a name-keyed pending table merges
// mate pairs.
type Engine struct {
	Tab  *variant.Table
	Opts Opts
}

// readTags pulls the linked-read aux tags off a record.  Untagged reads get
// ("", -1).
func readTags(rec *sam.Record) (barcode string, molIdx int) {
	molIdx = -1
	if aux := rec.AuxFields.Get(barcodeTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			barcode = s
		}
	}
	if aux := rec.AuxFields.Get(moleculeTag); aux != nil {
		switch v := aux.Value().(type) {
		case int:
			molIdx = v
		case int8:
			molIdx = int(v)
		case int16:
			molIdx = int(v)
		case int32:
			molIdx = int(v)
		case uint8:
			molIdx = int(v)
		case uint16:
			molIdx = int(v)
		case uint32:
			molIdx = int(v)
		}
	}
	return
}

// finish applies the informative-SNP threshold and hands the read downstream.
func (e *Engine) finish(r *Read, rc *readCalls, emit func(r Read) error) error {
	acc := fragment.Accumulator{MinSNPs: e.Opts.MinSNPs}
	alleles, ok := acc.Flush(rc.calls)
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(alleles))
	for id := range alleles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	r.Obs = make([]fragment.Obs, 0, len(ids))
	for _, id := range ids {
		a := alleles[id]
		r.Obs = append(r.Obs, fragment.Obs{SNP: id, Allele: a, Qual: rc.quals[id][a]})
	}
	return emit(*r)
}

func (e *Engine) finishPending(w *walker, p pendingRead, barcode string, molIdx int, emit func(r Read) error) error {
	rc := newReadCalls()
	w.walk(p.pos, p.cigar, p.seq, p.qual, p.cursor, &rc)
	r := Read{Name: p.name, Pos: p.pos, Barcode: barcode, MolIdx: molIdx}
	return e.finish(&r, &rc, emit)
}

// pendingEntry pairs a pendingRead with its linked-read tags for end-of-scan
// flushing.
type pendingEntry struct {
	pendingRead
	barcode string
	molIdx  int
}

// Extract implements Extractor.  It scans one chromosome's position-sorted
// records, merging mate pairs where both ends qualify, and emits one Read per
// surviving read or pair.  The iterator is closed before returning.
func (e *Engine) Extract(chrom string, iter Iterator, emit func(r Read) error) (err error) {
	defer func() {
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	span, ok := e.Tab.Span(chrom)
	if !ok {
		// No heterozygous SNP on this chromosome; nothing can be observed.
		return nil
	}
	w := walker{snps: e.Tab.SNPs, hi: span.End, minBaseQual: e.Opts.MinBaseQual}
	cursor := span.Start
	pending := make(map[string]pendingEntry)

	for iter.Scan() {
		rec := iter.Record()
		flags := rec.Flags
		key := matchKey(rec.Name)
		if flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 ||
			(e.Opts.NoDuplicates && flags&sam.Duplicate != 0) ||
			len(rec.Cigar) == 0 {
			// A filtered primary record still releases its waiting mate:
			// that mate will never be merged, so process it as a singleton
			// now.  Secondary and supplementary alignments don't count; the
			// primary record may still arrive.
			if flags&(sam.Secondary|sam.Supplementary) == 0 && flags&sam.MateUnmapped == 0 {
				if p, ok := pending[key]; ok {
					delete(pending, key)
					if err = e.finishPending(&w, p.pendingRead, p.barcode, p.molIdx, emit); err != nil {
						return err
					}
				}
			}
			continue
		}

		// The scan cursor only ever moves forward: records are
		// position-sorted, so no SNP before rec.Pos can matter again.
		for cursor < span.End && e.Tab.SNPs[cursor].Pos < rec.Pos {
			cursor++
		}

		barcode, molIdx := readTags(rec)
		singleton := flags&sam.Paired == 0 ||
			flags&sam.MateUnmapped != 0 ||
			rec.MateRef == nil || rec.MateRef.Name() != chrom ||
			(e.Opts.MaxTempLen > 0 && abs(rec.TempLen) > e.Opts.MaxTempLen)
		if !singleton {
			if p, ok := pending[key]; ok {
				delete(pending, key)
				rc := newReadCalls()
				n1, _, _ := w.walk(p.pos, p.cigar, p.seq, p.qual, p.cursor, &rc)
				n2, _, _ := w.walk(rec.Pos, rec.Cigar, rec.Seq.Expand(), rec.Qual, cursor, &rc)
				name := p.name
				if n1 > 0 && n2 > 0 {
					// Mark merged pairs the way extractHairs does.
					name += "_MP"
				}
				if p.barcode != "" {
					barcode, molIdx = p.barcode, p.molIdx
				}
				r := Read{Name: name, Pos: p.pos, Barcode: barcode, MolIdx: molIdx}
				if err = e.finish(&r, &rc, emit); err != nil {
					return err
				}
				continue
			}
			if rec.MatePos >= rec.Pos {
				pending[key] = pendingEntry{capture(rec, cursor), barcode, molIdx}
				continue
			}
			// The mate already passed and was handled on its own (it was
			// filtered, or arrived before any pairing was possible); don't
			// wait for a partner that will never come.
		}
		rc := newReadCalls()
		w.walk(rec.Pos, rec.Cigar, rec.Seq.Expand(), rec.Qual, cursor, &rc)
		r := Read{Name: rec.Name, Pos: rec.Pos, Barcode: barcode, MolIdx: molIdx}
		if err = e.finish(&r, &rc, emit); err != nil {
			return err
		}
	}

	// Unmatched mates are singletons.  Flush in position order so output is
	// deterministic.
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := pending[keys[i]], pending[keys[j]]
		if pi.pos != pj.pos {
			return pi.pos < pj.pos
		}
		return pi.name < pj.name
	})
	for _, k := range keys {
		p := pending[k]
		if err = e.finishPending(&w, p.pendingRead, p.barcode, p.molIdx, emit); err != nil {
			return err
		}
	}
	return nil
}

// Fragments runs the engine over every chromosome carrying SNPs, in parallel,
// and deduplicates the per-read results into a fragment set.  The returned
// coverage map tallies every informative observation across all chromosomes.
//
// Chromosomes are independent given the read-only table, so they are the unit
// of parallelism; appending one chromosome's output to the shared results is
// serialized by a mutex so two chromosomes' reads never interleave.
func (e *Engine) Fragments(ctx context.Context, src Source, skipSingle bool) (*fragment.Set, fragment.Coverage, error) {
	chroms := e.Tab.Chromosomes()
	nChrom := len(chroms)
	if nChrom == 0 {
		return fragment.NewSet(skipSingle), fragment.Coverage{}, nil
	}
	parallelism := e.Opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	parallelism = minInt(parallelism, nChrom)

	var mu sync.Mutex
	results := make([][]Read, nChrom)
	err := traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nChrom) / parallelism
		endIdx := ((jobIdx + 1) * nChrom) / parallelism
		for chromIdx := startIdx; chromIdx < endIdx; chromIdx++ {
			chrom := chroms[chromIdx]
			var reads []Read
			if err := e.Extract(chrom, src.NewIterator(chrom), func(r Read) error {
				reads = append(reads, r)
				return nil
			}); err != nil {
				return err
			}
			log.Printf("extract: %s: %d read(s) with informative SNPs", chrom, len(reads))
			mu.Lock()
			results[chromIdx] = reads
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	set := fragment.NewSet(skipSingle)
	cov := fragment.Coverage{}
	for _, reads := range results {
		for _, r := range reads {
			alleles := make(map[int]int, len(r.Obs))
			for _, o := range r.Obs {
				alleles[o.SNP] = o.Allele
				cov.Add(o.SNP, o.Allele)
			}
			set.Add(alleles)
		}
	}
	return set, cov, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

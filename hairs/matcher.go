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

// Package hairs is the interval-search extraction pipeline: it matches reads
// against a restricted multi-allele site table and emits block-structured
// fragment records of the kind haplotype assemblers consume.  It trades the
// main pipeline's monotone cursor for a per-read binary interval search, so
// it tolerates inputs whose records are only near-sorted.
package hairs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
	"github.com/inumanag/haptreex/extract"
	"github.com/inumanag/haptreex/fragment"
)

// Opts configures the matcher.
type Opts struct {
	// MinObs is the minimum number of surviving site observations a read
	// must carry; reads below it are silently discarded.
	MinObs int
	// MinBaseQual is the phred cutoff below which a base call is ignored.
	MinBaseQual byte
	// MinMapQual drops records mapped below this quality.
	MinMapQual byte
	// DetectConflicts marks both observations of a disagreeing duplicate
	// site unusable instead of keeping the higher-quality one.
	DetectConflicts bool
	// NoDuplicates skips PCR/optical duplicate records.
	NoDuplicates bool
	// KeepInterChrom scores reads whose mate maps to another chromosome as
	// singletons instead of dropping them.
	KeepInterChrom bool
}

// DefaultOpts is the default matcher configuration.
var DefaultOpts = Opts{
	MinObs:       1,
	MinBaseQual:  13,
	MinMapQual:   20,
	NoDuplicates: true,
}

// Obs is one site observation: the matched genotype-valid allele slot and
// the base quality backing it.
type Obs struct {
	Site int
	Slot int
	Qual byte
}

// Block is a maximal run of sites on consecutive VCF variant lines within
// one fragment.
type Block struct {
	// Start is the id of the run's first site.
	Start int
	// Line is the 1-based VCF data-line ordinal of the run's first site.
	// Emitted records index variants by line, not by site id, so they stay
	// valid for consumers that count every data line of the VCF, including
	// the lines the table skipped.
	Line int
	// Slots holds one allele-slot digit per consecutive variant line.
	Slots []byte
}

// Fragment is one emitted fragment record.
type Fragment struct {
	Name   string
	Blocks []Block
	// Quals holds one phred+33 character per observation, in site order.
	Quals []byte
}

// String renders the fragment in the whitespace-separated block format:
// block count, read name, (variant-line start index, slot digits) per block,
// then the quality string.
func (f *Fragment) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(f.Blocks)))
	b.WriteByte(' ')
	b.WriteString(f.Name)
	for _, blk := range f.Blocks {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(blk.Line))
		b.WriteByte(' ')
		b.Write(blk.Slots)
	}
	b.WriteByte(' ')
	b.Write(f.Quals)
	return b.String()
}

// Stats summarizes one chromosome scan.
type Stats struct {
	// Records is the number of records read.
	Records int
	// Filtered counts records dropped by the flag, mapping-quality, and
	// mate filters.
	Filtered int
	// Pairs counts merged mate pairs.
	Pairs int
	// Discarded counts reads dropped for carrying too few observations.
	Discarded int
	// Fragments counts emitted fragment records.
	Fragments int
	// Blocks counts blocks across all emitted fragments.
	Blocks int
}

// DuplicateNameError reports a read name seen on a third primary record,
// which means the input violates the two-records-per-name contract the
// pending-mate table depends on.
type DuplicateNameError struct {
	Name  string
	Chrom string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("hairs: read %s: more than two primary records on %s", e.Name, e.Chrom)
}

// Matcher converts one chromosome's alignment records into fragment records.
type Matcher struct {
	Tab  *Table
	Opts Opts
}

// pairState tracks one read name through the scan.  obs is nil once both
// mates have been seen; a third record with the same name is an input error.
type pairState struct {
	obs  []Obs
	pos  int
	seen int
}

// walk maps one record's aligned bases onto sites, appending one observation
// per covered heterozygous site whose base matches a genotype-valid slot.
func (m *Matcher) walk(sites []Site, rec *sam.Record, obs []Obs) []Obs {
	refSpan, _ := rec.Cigar.Lengths()
	idx := findInterval(sites, rec.Pos, refSpan)
	if idx < 0 {
		return obs
	}
	seq := rec.Seq.Expand()
	refOff, readOff := 0, 0
	for _, co := range rec.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			winStart := rec.Pos + refOff
			winEnd := winStart + n
			for idx < len(sites) && sites[idx].Pos < winStart {
				idx++
			}
			for i := idx; i < len(sites) && sites[i].Pos < winEnd; i++ {
				site := &sites[i]
				if !site.Het {
					continue
				}
				t := site.Pos - winStart + readOff
				if t >= len(seq) {
					break
				}
				if t < len(rec.Qual) && rec.Qual[t] < m.Opts.MinBaseQual {
					continue
				}
				slot := site.slotOf(seq[t])
				if slot < 0 {
					continue
				}
				// '.' placeholder for records with no quality string.
				q := byte('.' - 33)
				if t < len(rec.Qual) {
					q = rec.Qual[t]
				}
				obs = append(obs, Obs{Site: site.ID, Slot: slot, Qual: q})
			}
			refOff += n
			readOff += n
		case sam.CigarInsertion, sam.CigarSoftClipped:
			readOff += n
		case sam.CigarDeletion, sam.CigarSkipped:
			refOff += n
		default:
			// Hard clips and padding consume neither side.
		}
	}
	return obs
}

// resolve sorts obs by site id and collapses adjacent duplicates: in
// conflict-detection mode a disagreeing duplicate removes both observations,
// otherwise the higher-quality one wins.
func (m *Matcher) resolve(obs []Obs) []Obs {
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Site < obs[j].Site })
	out := obs[:0]
	for i := 0; i < len(obs); {
		j := i + 1
		conflict := false
		best := obs[i]
		for ; j < len(obs) && obs[j].Site == obs[i].Site; j++ {
			if obs[j].Slot != best.Slot {
				conflict = true
			}
			if obs[j].Qual > best.Qual {
				best = obs[j]
			}
		}
		if !(conflict && m.Opts.DetectConflicts) {
			out = append(out, best)
		}
		i = j
	}
	return out
}

// fragment builds the block-structured record for one read's surviving
// observations, or returns false when the read falls below MinObs.  Blocks
// group sites on consecutive variant lines; a skipped VCF line between two
// covered sites breaks the run even when their ids are adjacent.
func (m *Matcher) fragment(name string, obs []Obs) (Fragment, bool) {
	obs = m.resolve(obs)
	if len(obs) < m.Opts.MinObs || len(obs) == 0 {
		return Fragment{}, false
	}
	f := Fragment{Name: name, Quals: make([]byte, 0, len(obs))}
	var blk Block
	prevLine := 0
	for i, o := range obs {
		line := m.Tab.Sites[o.Site].Line
		if i > 0 && line == prevLine+1 {
			blk.Slots = append(blk.Slots, '0'+byte(o.Slot))
		} else {
			if i > 0 {
				f.Blocks = append(f.Blocks, blk)
			}
			blk = Block{Start: o.Site, Line: line, Slots: []byte{'0' + byte(o.Slot)}}
		}
		prevLine = line
		f.Quals = append(f.Quals, o.Qual+33)
	}
	f.Blocks = append(f.Blocks, blk)
	return f, true
}

// Scan reads one chromosome's records and calls emit once per fragment that
// clears MinObs.  It returns the scan's statistics.  The iterator is closed
// before returning.
func (m *Matcher) Scan(chrom string, iter extract.Iterator, emit func(f Fragment) error) (stats Stats, err error) {
	defer func() {
		if cerr := iter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	sites := m.Tab.ChromSites(chrom)
	if len(sites) == 0 {
		return stats, nil
	}
	finish := func(name string, pos int, obs []Obs) error {
		f, ok := m.fragment(name, obs)
		if !ok {
			stats.Discarded++
			return nil
		}
		stats.Fragments++
		stats.Blocks += len(f.Blocks)
		return emit(f)
	}
	pending := make(map[string]*pairState)
	for iter.Scan() {
		rec := iter.Record()
		stats.Records++
		flags := rec.Flags
		if flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 ||
			(m.Opts.NoDuplicates && flags&sam.Duplicate != 0) ||
			rec.MapQ < m.Opts.MinMapQual ||
			len(rec.Cigar) == 0 {
			stats.Filtered++
			continue
		}
		interChrom := flags&sam.Paired != 0 && flags&sam.MateUnmapped == 0 &&
			rec.MateRef != nil && rec.MateRef.Name() != chrom
		if interChrom && !m.Opts.KeepInterChrom {
			stats.Filtered++
			continue
		}
		paired := flags&sam.Paired != 0 && flags&sam.MateUnmapped == 0 && !interChrom
		if !paired {
			if err := finish(rec.Name, rec.Pos, m.walk(sites, rec, nil)); err != nil {
				return stats, err
			}
			continue
		}
		state, ok := pending[rec.Name]
		if !ok {
			pending[rec.Name] = &pairState{obs: m.walk(sites, rec, nil), pos: rec.Pos, seen: 1}
			continue
		}
		if state.seen >= 2 {
			return stats, &DuplicateNameError{Name: rec.Name, Chrom: chrom}
		}
		state.seen = 2
		stats.Pairs++
		obs := m.walk(sites, rec, state.obs)
		state.obs = nil
		if err := finish(rec.Name, state.pos, obs); err != nil {
			return stats, err
		}
	}
	// Mates that never arrived score as singletons, in position order.
	names := make([]string, 0, len(pending))
	for name, state := range pending {
		if state.seen == 1 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := pending[names[i]], pending[names[j]]
		if pi.pos != pj.pos {
			return pi.pos < pj.pos
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		state := pending[name]
		if err := finish(name, state.pos, state.obs); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Extract adapts the matcher to the extract.Extractor interface so both
// pipelines can run identical inputs for comparison.  Slot numbering matches
// the main table's allele indexing when the underlying VCF is the same.
func (m *Matcher) Extract(chrom string, iter extract.Iterator, emit func(r extract.Read) error) error {
	_, err := m.Scan(chrom, iter, func(f Fragment) error {
		r := extract.Read{Name: f.Name, MolIdx: -1}
		qi := 0
		for _, blk := range f.Blocks {
			for k, d := range blk.Slots {
				r.Obs = append(r.Obs, fragment.Obs{
					SNP:    blk.Start + k,
					Allele: int(d - '0'),
					Qual:   f.Quals[qi] - 33,
				})
				qi++
			}
		}
		if len(r.Obs) > 0 {
			r.Pos = m.Tab.Sites[r.Obs[0].SNP].Pos
		}
		return emit(r)
	})
	return err
}

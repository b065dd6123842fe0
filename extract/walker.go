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
	"github.com/grailbio/hts/sam"
	"github.com/inumanag/haptreex/fragment"
	"github.com/inumanag/haptreex/variant"
)

// readCalls collects one read's (or merged pair's) observations, keeping the
// best quality seen per (SNP, allele).
type readCalls struct {
	calls fragment.Calls
	quals map[int]map[int]byte
}

func newReadCalls() readCalls {
	return readCalls{
		calls: fragment.Calls{},
		quals: map[int]map[int]byte{},
	}
}

func (rc *readCalls) observe(snpID, allele int, qual byte) {
	rc.calls.Observe(snpID, allele)
	m, ok := rc.quals[snpID]
	if !ok {
		m = map[int]byte{}
		rc.quals[snpID] = m
	}
	if q, ok := m[allele]; !ok || qual > q {
		m[allele] = qual
	}
}

// missingQual is the phred score recorded for a base whose record carries no
// quality string; it decodes to the '.' character fragment files use for
// such bases.
const missingQual = '.' - 33

// walker walks CIGAR operations of position-sorted records against a
// candidate window [idx, hi) of the SNP table.
type walker struct {
	snps        []variant.SNP
	hi          int // end of the chromosome's table span
	minBaseQual byte
}

// walk maps one record's aligned bases onto the SNP table, recording a call
// for every SNP whose reference position the read covers with a base that
// matches one of the SNP's alleles at sufficient quality.  startIdx is the
// caller's cursor: the first table index not before the record's start.  It
// must be non-decreasing across records of one chromosome scan.
//
// Returns the number of calls recorded, plus the reference and read spans
// consumed by the CIGAR (the former equals the sum of M/=/X/D/N op lengths,
// the latter M/=/X/I/S).
func (w *walker) walk(pos int, cigar sam.Cigar, seq, qual []byte, startIdx int, rc *readCalls) (nObs, refSpan, readSpan int) {
	idx := startIdx
	for _, co := range cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			winStart := pos + refSpan
			winEnd := winStart + n
			for idx < w.hi && w.snps[idx].Pos < winStart {
				idx++
			}
			for i := idx; i < w.hi && w.snps[i].Pos < winEnd; i++ {
				snp := &w.snps[i]
				t := snp.Pos - winStart + readSpan
				if t >= len(seq) {
					break
				}
				allele := snp.AlleleIndex(seq[t])
				if allele < 0 {
					continue
				}
				// The quality filter only applies when the record has
				// qualities; a missing string gets the placeholder score.
				q := byte(missingQual)
				if t < len(qual) {
					q = qual[t]
					if q < w.minBaseQual {
						continue
					}
				}
				rc.observe(snp.ID, allele, q)
				nObs++
			}
			refSpan += n
			readSpan += n
		case sam.CigarInsertion, sam.CigarSoftClipped:
			readSpan += n
		case sam.CigarDeletion, sam.CigarSkipped:
			refSpan += n
		default:
			// Hard clips and padding consume neither sequence nor reference.
		}
	}
	return
}

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
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/inumanag/haptreex/fragment"
	"github.com/inumanag/haptreex/variant"
)

var (
	chr1, _ = sam.NewReference("chr1", "", "", 100000, nil, nil)
	chr2, _ = sam.NewReference("chr2", "", "", 100000, nil, nil)
)

type sliceIterator struct {
	recs []*sam.Record
	idx  int
}

func (it *sliceIterator) Scan() bool {
	it.idx++
	return it.idx <= len(it.recs)
}

func (it *sliceIterator) Record() *sam.Record { return it.recs[it.idx-1] }
func (it *sliceIterator) Close() error        { return nil }

type sliceSource map[string][]*sam.Record

func (s sliceSource) NewIterator(chrom string) Iterator {
	return &sliceIterator{recs: s[chrom]}
}

func cigarM(n int) sam.Cigar {
	return sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)}
}

func newRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int,
	mateRef *sam.Reference, tempLen int, cigar sam.Cigar, seq string, qual byte) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.Flags = flags
	r.MatePos = matePos
	r.MateRef = mateRef
	r.TempLen = tempLen
	r.Cigar = cigar
	r.Seq = sam.NewSeq([]byte(seq))
	quals := make([]byte, len(seq))
	for i := range quals {
		quals[i] = qual
	}
	r.Qual = quals
	return r
}

func newAux(t *testing.T, name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	assert.NoError(t, err)
	return aux
}

// Zero-based SNP positions: chr1:99 (A/T), chr1:199 (G/C), chr2:49 (T/A).
const testVCF = `chr1	100	s0	A	T	50	PASS	.	GT	0/1
chr1	200	s1	G	C	50	PASS	.	GT	0|1
chr2	50	s2	T	A	50	PASS	.	GT	0/1
`

func testTable(t *testing.T) *variant.Table {
	tab, err := variant.NewTable(strings.NewReader(testVCF))
	assert.NoError(t, err)
	return &tab
}

func extractAll(t *testing.T, e *Engine, chrom string, recs []*sam.Record) []Read {
	var got []Read
	assert.NoError(t, e.Extract(chrom, &sliceIterator{recs: recs}, func(r Read) error {
		got = append(got, r)
		return nil
	}))
	return got
}

func TestExtractSingleRead(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(10), "CCCCTCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "r1")
	expect.EQ(t, got[0].Pos, 95)
	expect.EQ(t, got[0].Barcode, "")
	expect.EQ(t, got[0].MolIdx, -1)
	expect.EQ(t, got[0].Obs, []fragment.Obs{{SNP: 0, Allele: 1, Qual: 30}})
}

func TestExtractLowQualityIgnored(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(10), "CCCCTCCCCC", 5),
	}
	got := extractAll(t, e, "chr1", recs)
	expect.EQ(t, len(got), 0)
}

func TestExtractNonAlleleBaseIgnored(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// 'G' matches neither allele of s0.
	recs := []*sam.Record{
		newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(10), "CCCCGCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	expect.EQ(t, len(got), 0)
}

func TestExtractMergesMates(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 195, chr1, 110, cigarM(10), "CCCCACCCCC", 30),
		newRecord("readX", chr1, 195, sam.Paired, 95, chr1, -110, cigarM(10), "TTTTCTTTTT", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "readX_MP")
	expect.EQ(t, got[0].Pos, 95)
	expect.EQ(t, got[0].Obs, []fragment.Obs{
		{SNP: 0, Allele: 0, Qual: 30},
		{SNP: 1, Allele: 1, Qual: 30},
	})
}

// A merged pair carries the same observations whichever mate the scan sees
// first.  Both mates share one alignment position so either arrival order is
// a valid sorted input.
func TestExtractMergeOrderInvariant(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// 5M99N6M puts the first window over s0 and the second over s1.
	cg := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 5),
		sam.NewCigarOp(sam.CigarSkipped, 99),
		sam.NewCigarOp(sam.CigarMatch, 6),
	}
	// One mate shows s0's alternate, the other s1's; the off-target base of
	// each matches no allele.
	fwd := func() *sam.Record {
		return newRecord("pair", chr1, 95, sam.Paired, 95, chr1, 110, cg, "CCCCTACCCCC", 30)
	}
	rev := func() *sam.Record {
		return newRecord("pair", chr1, 95, sam.Paired, 95, chr1, -110, cg, "CCCCGCCCCCC", 30)
	}
	want := []fragment.Obs{
		{SNP: 0, Allele: 1, Qual: 30},
		{SNP: 1, Allele: 1, Qual: 30},
	}
	for _, recs := range [][]*sam.Record{
		{fwd(), rev()},
		{rev(), fwd()},
	} {
		got := extractAll(t, e, "chr1", recs)
		assert.EQ(t, len(got), 1)
		expect.EQ(t, got[0].Name, "pair_MP")
		expect.EQ(t, got[0].Pos, 95)
		expect.EQ(t, got[0].Obs, want)
	}
}

func TestExtractMergeOneSidedKeepsName(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// The second mate overlaps no SNP, so the merged name has no pair mark.
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 300, chr1, 215, cigarM(10), "CCCCTCCCCC", 30),
		newRecord("readX", chr1, 300, sam.Paired, 95, chr1, -215, cigarM(10), "TTTTTTTTTT", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "readX")
	expect.EQ(t, got[0].Obs, []fragment.Obs{{SNP: 0, Allele: 1, Qual: 30}})
}

func TestExtractPairSuffixMatching(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("readX/1", chr1, 95, sam.Paired, 195, chr1, 110, cigarM(10), "CCCCACCCCC", 30),
		newRecord("readX/2", chr1, 195, sam.Paired, 95, chr1, -110, cigarM(10), "TTTTCTTTTT", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	// Output keeps the first mate's unnormalized name.
	expect.EQ(t, got[0].Name, "readX/1_MP")
	expect.EQ(t, len(got[0].Obs), 2)
}

func TestExtractConflictingMatesAmbiguous(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// Both mates cover s0 but disagree, so the site is ambiguous and the
	// pair emits nothing.
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 97, chr1, 12, cigarM(10), "CCCCACCCCC", 30),
		newRecord("readX", chr1, 97, sam.Paired, 95, chr1, -12, cigarM(10), "CCTCCCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	expect.EQ(t, len(got), 0)
}

func TestExtractDuplicateReleasesMate(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 195, chr1, 110, cigarM(10), "CCCCTCCCCC", 30),
		newRecord("readX", chr1, 195, sam.Paired|sam.Duplicate, 95, chr1, -110, cigarM(10), "TTTTCTTTTT", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "readX")
	expect.EQ(t, got[0].Obs, []fragment.Obs{{SNP: 0, Allele: 1, Qual: 30}})
}

func TestExtractDuplicatesKept(t *testing.T) {
	opts := DefaultOpts
	opts.NoDuplicates = false
	e := &Engine{Tab: testTable(t), Opts: opts}
	recs := []*sam.Record{
		newRecord("r1", chr1, 95, sam.Duplicate, -1, nil, 0, cigarM(10), "CCCCTCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	expect.EQ(t, len(got), 1)
}

func TestExtractDistantMatesSplit(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// Template length over the bound: each mate is its own singleton.
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 5095, chr1, 5010, cigarM(10), "CCCCTCCCCC", 30),
		newRecord("readX", chr1, 195, sam.Paired, 95, chr1, -5010, cigarM(10), "TTTTCTTTTT", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 2)
	expect.EQ(t, got[0].Name, "readX")
	expect.EQ(t, got[0].Obs, []fragment.Obs{{SNP: 0, Allele: 1, Qual: 30}})
	expect.EQ(t, got[1].Name, "readX")
	expect.EQ(t, got[1].Obs, []fragment.Obs{{SNP: 1, Allele: 1, Qual: 30}})
}

func TestExtractMateOnOtherChromosome(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 40, chr2, 0, cigarM(10), "CCCCTCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "readX")
}

func TestExtractUnmatchedMateFlushed(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	// The mate never arrives; the pending read flushes at end of scan.
	recs := []*sam.Record{
		newRecord("readX", chr1, 95, sam.Paired, 500, chr1, 415, cigarM(10), "CCCCTCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Name, "readX")
	expect.EQ(t, got[0].Obs, []fragment.Obs{{SNP: 0, Allele: 1, Qual: 30}})
}

func TestExtractMinSNPs(t *testing.T) {
	opts := DefaultOpts
	opts.MinSNPs = 2
	e := &Engine{Tab: testTable(t), Opts: opts}
	recs := []*sam.Record{
		newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(10), "CCCCTCCCCC", 30),
	}
	got := extractAll(t, e, "chr1", recs)
	expect.EQ(t, len(got), 0)
}

func TestExtractBarcodeTags(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	rec := newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(10), "CCCCTCCCCC", 30)
	rec.AuxFields = append(rec.AuxFields, newAux(t, "BX", "ACGT-1"), newAux(t, "MI", 7))
	got := extractAll(t, e, "chr1", []*sam.Record{rec})
	assert.EQ(t, len(got), 1)
	expect.EQ(t, got[0].Barcode, "ACGT-1")
	expect.EQ(t, got[0].MolIdx, 7)
}

func TestFragments(t *testing.T) {
	e := &Engine{Tab: testTable(t), Opts: DefaultOpts}
	src := sliceSource{
		"chr1": {
			newRecord("r1", chr1, 95, 0, -1, nil, 0, cigarM(110), strings.Repeat("T", 110), 30),
			newRecord("r2", chr1, 96, 0, -1, nil, 0, cigarM(110), strings.Repeat("T", 110), 30),
		},
		"chr2": {
			newRecord("r3", chr2, 45, 0, -1, nil, 0, cigarM(10), "CCCCACCCCC", 30),
		},
	}
	set, cov, err := e.Fragments(context.Background(), src, false)
	assert.NoError(t, err)
	// r1 and r2 both call T at s0 and nothing at s1 ('T' matches neither G
	// nor C), so they collapse into one fragment with count 2; r3's chr2
	// observation is the second fragment.
	expect.EQ(t, set.Len(), 2)
	expect.EQ(t, cov[0][1], 2)
	expect.EQ(t, cov[2][1], 1)
}

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
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func vcfLine(chrom string, pos1 int, id, ref, alt, format, sample string) string {
	return strings.Join([]string{chrom, strconv.Itoa(pos1), id, ref, alt, ".", ".", ".", format, sample}, "\t") + "\n"
}

func TestNewTable(t *testing.T) {
	input := "##fileformat=VCFv4.2\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tsample1\n" +
		vcfLine("chr1", 100, ".", "A", "T", "GT", "0/1") +
		vcfLine("chr1", 150, "rs1", "AT", "A", "GT", "0/1") + // indel, skipped
		vcfLine("chr1", 200, "rs2", "C", "G,T", "GT:DP", "1|2:30") +
		vcfLine("chr1", 300, ".", "G", "A", "GT", "1/1") + // homozygous, skipped
		vcfLine("chr2", 50, ".", "T", "C", "GT", "0/1")

	tab, err := NewTable(strings.NewReader(input))
	assert.NoError(t, err)
	assert.EQ(t, len(tab.SNPs), 3)

	expect.EQ(t, tab.SNPs[0].Chrom, "chr1")
	expect.EQ(t, tab.SNPs[0].Pos, 99)
	expect.EQ(t, string(tab.SNPs[0].Alleles), "AT")

	// GT 1|2 selects the two ALT alleles and drops REF.
	expect.EQ(t, tab.SNPs[1].Pos, 199)
	expect.EQ(t, tab.SNPs[1].Name, "rs2")
	expect.EQ(t, string(tab.SNPs[1].Alleles), "GT")

	expect.EQ(t, tab.SNPs[2].Chrom, "chr2")
	expect.EQ(t, tab.SNPs[2].Pos, 49)

	// Data-line ordinals count skipped lines too.
	expect.EQ(t, tab.LineToSNP[1], 0)
	expect.EQ(t, tab.LineToSNP[3], 1)
	expect.EQ(t, tab.LineToSNP[5], 2)
	_, hasIndel := tab.LineToSNP[2]
	expect.False(t, hasIndel)

	expect.EQ(t, tab.Chromosomes(), []string{"chr1", "chr2"})
}

// Chromosome spans must partition the table contiguously in first-seen order.
func TestSpansPartitionTable(t *testing.T) {
	input := vcfLine("chr3", 10, ".", "A", "C", "GT", "0/1") +
		vcfLine("chr3", 20, ".", "A", "C", "GT", "0/1") +
		vcfLine("chr1", 5, ".", "G", "T", "GT", "0|1") +
		vcfLine("chrX", 7, ".", "G", "T", "GT", "0/1")

	tab, err := NewTable(strings.NewReader(input))
	assert.NoError(t, err)

	next := 0
	for _, chrom := range tab.Chromosomes() {
		span, ok := tab.Span(chrom)
		assert.True(t, ok)
		expect.EQ(t, span.Start, next)
		expect.True(t, span.Start < span.End)
		for i := span.Start; i < span.End; i++ {
			expect.EQ(t, tab.SNPs[i].Chrom, chrom)
		}
		next = span.End
	}
	expect.EQ(t, next, len(tab.SNPs))
}

func TestFirstAtOrAfter(t *testing.T) {
	input := vcfLine("chr1", 100, ".", "A", "T", "GT", "0/1") +
		vcfLine("chr1", 200, ".", "C", "G", "GT", "0/1") +
		vcfLine("chr1", 300, ".", "G", "A", "GT", "0/1") +
		vcfLine("chr2", 100, ".", "T", "C", "GT", "0/1")
	tab, err := NewTable(strings.NewReader(input))
	assert.NoError(t, err)

	tests := []struct {
		chrom string
		pos   int
		want  int
	}{
		{"chr1", 0, 0},
		{"chr1", 99, 0},
		{"chr1", 100, 1},
		{"chr1", 199, 1},
		{"chr1", 299, 2},
		{"chr1", 300, -1},
		{"chr2", 0, 3},
		{"chr2", 99, 3},
		{"chr2", 100, -1},
		{"chr9", 0, -1},
	}
	for _, test := range tests {
		expect.EQ(t, tab.FirstAtOrAfter(test.chrom, test.pos), test.want, "chrom=%s pos=%d", test.chrom, test.pos)
	}
}

func TestNewTableErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			"unsorted_positions",
			vcfLine("chr1", 200, ".", "A", "T", "GT", "0/1") +
				vcfLine("chr1", 100, ".", "C", "G", "GT", "0/1"),
		},
		{
			"split_chromosome",
			vcfLine("chr1", 100, ".", "A", "T", "GT", "0/1") +
				vcfLine("chr2", 100, ".", "C", "G", "GT", "0/1") +
				vcfLine("chr1", 300, ".", "G", "A", "GT", "0/1"),
		},
		{
			"missing_columns",
			"chr1\t100\t.\tA\tT\t.\t.\t.\n",
		},
		{
			"format_not_gt_leading",
			vcfLine("chr1", 100, ".", "A", "T", "DP:GT", "30:0/1"),
		},
		{
			"malformed_genotype",
			vcfLine("chr1", 100, ".", "A", "T", "GT", "0/x"),
		},
	}
	for _, test := range tests {
		_, err := NewTable(strings.NewReader(test.input))
		require.Error(t, err, "test=%s", test.name)
	}
}

// Skipped lines must not poison the sort check or the spans.
func TestSkippedLinesBetweenChromosomes(t *testing.T) {
	input := vcfLine("chr1", 100, ".", "A", "T", "GT", "0/1") +
		vcfLine("chr1", 500, ".", "GTC", "G", "GT", "0/1") + // indel
		vcfLine("chr2", 10, ".", "C", "G", "GT", "1/1") + // homozygous
		vcfLine("chr2", 20, ".", "C", "G", "GT", "0/1")
	tab, err := NewTable(strings.NewReader(input))
	assert.NoError(t, err)
	assert.EQ(t, len(tab.SNPs), 2)
	span, ok := tab.Span("chr2")
	assert.True(t, ok)
	expect.EQ(t, span, Span{Start: 1, End: 2})
}

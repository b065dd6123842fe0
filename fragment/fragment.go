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

// Package fragment defines the per-read allele-evidence model handed to the
// phasing graph, the informative-SNP threshold filter, and the readers for
// pre-extracted fragment-matrix files.
package fragment

import (
	"sort"
	"strconv"
	"strings"
)

// Fragment is the set of (SNP, allele) observations attributed to one read,
// one merged read pair, or one barcode-linked read group.  It is immutable
// once handed to the phasing stage, except for the deduplication-time Count
// increment.
type Fragment struct {
	ID int
	// Count is the number of identical input reads collapsed into this
	// fragment.
	Count int
	// Alleles maps SNP id to the observed allele index.
	Alleles map[int]int
	// SpecialSNP and Rates seed the per-haplotype priors for ploidy>2
	// phasing.  Set during Set.Fragments().
	SpecialSNP int
	Rates      []float64
}

// SNPs returns the fragment's SNP ids in increasing order.
func (f *Fragment) SNPs() []int {
	ids := make([]int, 0, len(f.Alleles))
	for id := range f.Alleles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// key encodes the (SNP, allele) content of a fragment, for deduplication.
func key(alleles map[int]int) string {
	ids := make([]int, 0, len(alleles))
	for id := range alleles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(strconv.Itoa(id))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(alleles[id]))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// Set collapses identical fragments, tracking a support count per distinct
// (SNP, allele) map.
type Set struct {
	// SkipSingle drops fragments covering fewer than two SNPs; they cannot
	// link anything in the phasing graph.
	SkipSingle bool

	order []*Fragment
	index map[string]*Fragment
}

// NewSet returns an empty Set.
func NewSet(skipSingle bool) *Set {
	return &Set{SkipSingle: skipSingle, index: make(map[string]*Fragment)}
}

// Add records one read's resolved alleles.  The map is copied; the caller may
// reuse it.
func (s *Set) Add(alleles map[int]int) {
	if s.SkipSingle && len(alleles) <= 1 {
		return
	}
	k := key(alleles)
	if f, ok := s.index[k]; ok {
		f.Count++
		return
	}
	cp := make(map[int]int, len(alleles))
	for id, a := range alleles {
		cp[id] = a
	}
	f := &Fragment{ID: len(s.order), Count: 1, Alleles: cp}
	s.index[k] = f
	s.order = append(s.order, f)
}

// Len returns the number of distinct fragments added so far.
func (s *Set) Len() int { return len(s.order) }

// Fragments finalizes the set: every fragment gets diploid prior rates, and
// multi-SNP fragments get their special SNP (the second-smallest id) assigned.
// Order is insertion order, which is also ID order.
func (s *Set) Fragments() []*Fragment {
	for _, f := range s.order {
		ids := f.SNPs()
		if len(ids) > 1 {
			f.SpecialSNP = ids[1]
		} else if len(ids) == 1 {
			f.SpecialSNP = ids[0]
		}
		f.Rates = []float64{0.5, 0.5}
	}
	return s.order
}

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

package fragment

// Calls maps a SNP id to the set of allele indices a read (or merged pair)
// was observed to carry at that SNP.  More than one allele at a SNP means the
// observation is ambiguous.
type Calls map[int]map[int]bool

// Observe records one (SNP, allele) call.
func (c Calls) Observe(snpID, allele int) {
	set, ok := c[snpID]
	if !ok {
		set = make(map[int]bool, 1)
		c[snpID] = set
	}
	set[allele] = true
}

// Coverage is the shared per-SNP observation tally, used to verify that a
// fragment's SNPs remain expressed elsewhere before final acceptance.
type Coverage map[int]map[int]int

// Add tallies one unambiguous observation.
func (cov Coverage) Add(snpID, allele int) {
	m, ok := cov[snpID]
	if !ok {
		m = make(map[int]int, 1)
		cov[snpID] = m
	}
	m[allele]++
}

// Expressed reports whether (snpID, allele) was observed at least once.
func (cov Coverage) Expressed(snpID, allele int) bool {
	return cov[snpID][allele] > 0
}

// Accumulator applies the informative-SNP threshold to per-read calls and
// feeds the shared coverage map.
type Accumulator struct {
	// MinSNPs is the minimum number of informative (single-allele) SNPs a
	// read must carry to emit a fragment.
	MinSNPs int
	// Coverage, if non-nil, tallies every informative observation.
	Coverage Coverage
}

// Flush reduces one read's calls to a fragment allele map.  SNPs with more
// than one observed allele are ambiguous: they are excluded from both the
// informative count and the returned map.  ok is false when the informative
// count is below MinSNPs; the map is nil in that case.
func (a *Accumulator) Flush(calls Calls) (alleles map[int]int, ok bool) {
	informative := 0
	for _, set := range calls {
		if len(set) == 1 {
			informative++
		}
	}
	if informative < a.MinSNPs {
		return nil, false
	}
	alleles = make(map[int]int, informative)
	for snpID, set := range calls {
		if len(set) != 1 {
			continue
		}
		for allele := range set {
			alleles[snpID] = allele
			if a.Coverage != nil {
				a.Coverage.Add(snpID, allele)
			}
		}
	}
	return alleles, true
}

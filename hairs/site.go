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

package hairs

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// maxSlots is the number of allele slots per site: the reference plus up to
// three alternates.
const maxSlots = 4

// Site is one variant site of the restricted table.  Unlike the main
// extraction table, the site table keeps every slot the VCF names, whether or
// not the genotype uses it; GenotypeValid marks the usable ones.
type Site struct {
	ID    int
	Chrom string
	// Pos is the 0-based reference position.
	Pos  int
	Name string
	// Line is the 1-based VCF data-line ordinal the site came from.
	Line int
	// Alleles holds the reference base in slot 0 and the alternates after
	// it.  All slots are single bases.
	Alleles []byte
	// GenotypeValid marks the slots named by the sample genotype.
	GenotypeValid [maxSlots]bool
	// Het is true when the genotype names more than one distinct slot.
	Het bool
}

// slotOf returns the allele slot matching base, restricted to
// genotype-valid slots, or -1.
func (s *Site) slotOf(base byte) int {
	for i, a := range s.Alleles {
		if a == base && s.GenotypeValid[i] {
			return i
		}
	}
	return -1
}

type span struct {
	start, end int
}

// Table is the position-sorted site table of one VCF, partitioned by
// chromosome.
type Table struct {
	Sites      []Site
	spans      map[string]span
	chromOrder []string
}

// Chromosomes returns the chromosomes in input order.
func (t *Table) Chromosomes() []string { return t.chromOrder }

// ChromSites returns chrom's sites, or nil.
func (t *Table) ChromSites(chrom string) []Site {
	sp, ok := t.spans[chrom]
	if !ok {
		return nil
	}
	return t.Sites[sp.start:sp.end]
}

func isBase(b byte) bool {
	return b == 'A' || b == 'C' || b == 'G' || b == 'T' ||
		b == 'a' || b == 'c' || b == 'g' || b == 't'
}

func upperBase(b byte) byte {
	if b >= 'a' {
		return b - ('a' - 'A')
	}
	return b
}

// parseSite converts one VCF data line into a Site.  ok is false when the
// line is not a usable site (indel, too many alleles, missing genotype);
// that is a skip, not an error.
func parseSite(fields []string, lineIdx int) (site Site, ok bool, err error) {
	if len(fields) < 10 {
		return site, false, fmt.Errorf("hairs.NewTable: line %d: %d column(s), want at least 10", lineIdx, len(fields))
	}
	alleles := []byte{}
	for _, a := range strings.Split(fields[3]+","+fields[4], ",") {
		if len(a) != 1 || !isBase(a[0]) {
			return site, false, nil
		}
		alleles = append(alleles, upperBase(a[0]))
	}
	if len(alleles) < 2 || len(alleles) > maxSlots {
		return site, false, nil
	}
	if !strings.HasPrefix(fields[8], "GT") {
		return site, false, fmt.Errorf("hairs.NewTable: line %d: FORMAT %q does not lead with GT", lineIdx, fields[8])
	}
	gt := fields[9]
	if i := strings.IndexByte(gt, ':'); i >= 0 {
		gt = gt[:i]
	}
	distinct := 0
	for _, tok := range strings.FieldsFunc(gt, func(r rune) bool { return r == '/' || r == '|' }) {
		if tok == "." {
			continue
		}
		slot, err := strconv.Atoi(tok)
		if err != nil || slot < 0 {
			return site, false, fmt.Errorf("hairs.NewTable: line %d: bad genotype %q", lineIdx, fields[9])
		}
		if slot >= len(alleles) {
			return site, false, nil
		}
		if !site.GenotypeValid[slot] {
			site.GenotypeValid[slot] = true
			distinct++
		}
	}
	if distinct == 0 {
		return site, false, nil
	}
	pos, err := strconv.Atoi(fields[1])
	if err != nil || pos <= 0 {
		return site, false, fmt.Errorf("hairs.NewTable: line %d: bad position %q", lineIdx, fields[1])
	}
	site.Chrom = fields[0]
	site.Pos = pos - 1
	site.Name = fields[2]
	site.Line = lineIdx
	site.Alleles = alleles
	site.Het = distinct > 1
	return site, true, nil
}

// NewTable reads a VCF stream into a site table.  Sites must be grouped by
// chromosome and position-sorted within each.
func NewTable(r io.Reader) (*Table, error) {
	tab := &Table{spans: make(map[string]span)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	lineIdx := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		lineIdx++
		site, ok, err := parseSite(strings.Split(line, "\t"), lineIdx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		site.ID = len(tab.Sites)
		sp, seen := tab.spans[site.Chrom]
		if !seen {
			tab.chromOrder = append(tab.chromOrder, site.Chrom)
			sp = span{start: len(tab.Sites)}
		} else {
			if sp.end != len(tab.Sites) {
				return nil, fmt.Errorf("hairs.NewTable: line %d: chromosome %s split across the file", lineIdx, site.Chrom)
			}
			if site.Pos < tab.Sites[len(tab.Sites)-1].Pos {
				return nil, fmt.Errorf("hairs.NewTable: line %d: unsorted input at %s:%d", lineIdx, site.Chrom, site.Pos+1)
			}
		}
		tab.Sites = append(tab.Sites, site)
		sp.end = len(tab.Sites)
		tab.spans[site.Chrom] = sp
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tab, nil
}

// ReadTable reads a plain or gzipped VCF file into a site table.
func ReadTable(path string) (tab *Table, err error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var r io.Reader = in.Reader(ctx)
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	return NewTable(r)
}

// findInterval binary-searches sites for the first site whose position falls
// in [pos, pos+length), backing up over adjacent covered sites, and returns
// its index within sites, or -1.
func findInterval(sites []Site, pos, length int) int {
	lo, hi := 0, len(sites)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		p := sites[mid].Pos
		switch {
		case p < pos:
			lo = mid + 1
		case p >= pos+length:
			hi = mid - 1
		default:
			// Several adjacent sites may be covered; return the first.
			for mid > 0 && sites[mid-1].Pos >= pos {
				mid--
			}
			return mid
		}
	}
	return -1
}

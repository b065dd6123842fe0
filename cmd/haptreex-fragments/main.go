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

/*
haptreex-fragments extracts per-read SNP allele observations from a
coordinate-sorted, indexed BAM and a matching VCF, and writes fragment
records for haplotype phasing.

Modes:

	scan    streaming two-pointer engine; one line per fragment:
	        "id count snp:allele,..."
	linked  scan engine plus barcode/molecule grouping for linked reads
	hairs   interval-search engine; block-structured fragment lines
	fragmat re-deduplicate existing fragment files against the VCF
*/
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/inumanag/haptreex/extract"
	"github.com/inumanag/haptreex/fragment"
	"github.com/inumanag/haptreex/hairs"
	"github.com/inumanag/haptreex/linked"
	"github.com/inumanag/haptreex/variant"
)

var (
	mode         = flag.String("mode", "scan", "Extraction mode: 'scan', 'linked', 'hairs', or 'fragmat'")
	bamIndexPath = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	outPath      = flag.String("out", "", "Output path; empty means stdout")
	minSNPs      = flag.Int("min-snps", extract.DefaultOpts.MinSNPs, "Minimum informative SNPs per fragment")
	minBaseQual  = flag.Int("min-base-qual", int(extract.DefaultOpts.MinBaseQual), "Lower bound on base quality at a SNP")
	maxTempLen   = flag.Int("max-temp-len", extract.DefaultOpts.MaxTempLen, "Mates further apart than this are scored separately; 0 disables the bound")
	keepDups     = flag.Bool("keep-dups", false, "Keep PCR/optical duplicate records")
	keepSingle   = flag.Bool("keep-single", false, "Keep fragments covering a single SNP")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of simultaneous chromosome scans; 0 = runtime.NumCPU()")
	tempDir      = flag.String("temp-dir", "", "Directory for linked-mode spill files (default os.TempDir())")
	conflicts    = flag.Bool("detect-conflicts", false, "hairs mode: drop disagreeing duplicate observations instead of keeping the higher quality one")
	minMapQual   = flag.Int("min-map-qual", int(hairs.DefaultOpts.MinMapQual), "hairs mode: reads mapped below this quality are skipped")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] vcfpath bampath\n", os.Args[0])
	fmt.Printf("       %s -mode fragmat [OPTIONS] vcfpath fragpath...\n", os.Args[0])
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

func openBAM() *extract.BAMSource {
	if flag.NArg() != 2 {
		log.Fatalf("Expected positional arguments vcfpath and bampath, got '%s'", strings.Join(flag.Args(), " "))
	}
	src, err := extract.NewBAMSource(flag.Arg(1), *bamIndexPath)
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(1), err)
	}
	return src
}

func openOut() (*bufio.Writer, func()) {
	if *outPath == "" {
		w := bufio.NewWriter(os.Stdout)
		return w, func() {
			if err := w.Flush(); err != nil {
				log.Fatalf("flushing output: %v", err)
			}
		}
	}
	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("%s: %v", *outPath, err)
	}
	w := bufio.NewWriter(f)
	return w, func() {
		if err := w.Flush(); err != nil {
			log.Fatalf("%s: %v", *outPath, err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("%s: %v", *outPath, err)
		}
	}
}

func writeSet(w *bufio.Writer, set *fragment.Set) {
	for _, f := range set.Fragments() {
		fmt.Fprintf(w, "%d %d", f.ID, f.Count)
		for i, snpID := range f.SNPs() {
			if i == 0 {
				fmt.Fprintf(w, " %d:%d", snpID, f.Alleles[snpID])
			} else {
				fmt.Fprintf(w, ",%d:%d", snpID, f.Alleles[snpID])
			}
		}
		fmt.Fprintf(w, "\n")
	}
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() < 2 {
		log.Fatalf("Expected positional arguments vcfpath and bampath (or fragment files with -mode fragmat), got '%s'", strings.Join(flag.Args(), " "))
	}
	vcfPath := flag.Arg(0)
	ctx := vcontext.Background()
	w, finish := openOut()

	opts := extract.Opts{
		MinSNPs:      *minSNPs,
		MinBaseQual:  byte(*minBaseQual),
		MaxTempLen:   *maxTempLen,
		NoDuplicates: !*keepDups,
		Parallelism:  *parallelism,
	}
	switch *mode {
	case "fragmat":
		tab, err := variant.ReadTable(vcfPath)
		if err != nil {
			log.Fatalf("%s: %v", vcfPath, err)
		}
		set, err := fragment.ReadSet(flag.Args()[1:], &tab, !*keepSingle)
		if err != nil {
			log.Fatalf("reading fragment files: %v", err)
		}
		writeSet(w, set)
	case "scan", "linked":
		src := openBAM()
		tab, err := variant.ReadTable(vcfPath)
		if err != nil {
			log.Fatalf("%s: %v", vcfPath, err)
		}
		eng := &extract.Engine{Tab: &tab, Opts: opts}
		var set *fragment.Set
		if *mode == "scan" {
			set, _, err = eng.Fragments(ctx, src, !*keepSingle)
		} else {
			lopts := linked.Opts{
				MinSNPs:     *minSNPs,
				TmpDir:      *tempDir,
				Parallelism: *parallelism,
			}
			set, _, err = linked.Fragments(ctx, eng, src, lopts, !*keepSingle)
		}
		if err != nil {
			log.Fatalf("extracting fragments: %v", err)
		}
		writeSet(w, set)
	case "hairs":
		src := openBAM()
		tab, err := hairs.ReadTable(vcfPath)
		if err != nil {
			log.Fatalf("%s: %v", vcfPath, err)
		}
		m := &hairs.Matcher{Tab: tab, Opts: hairs.Opts{
			MinObs:          *minSNPs,
			MinBaseQual:     byte(*minBaseQual),
			MinMapQual:      byte(*minMapQual),
			DetectConflicts: *conflicts,
			NoDuplicates:    !*keepDups,
		}}
		var total hairs.Stats
		for _, chrom := range tab.Chromosomes() {
			stats, err := m.Scan(chrom, src.NewIterator(chrom), func(f hairs.Fragment) error {
				_, err := fmt.Fprintln(w, f.String())
				return err
			})
			if err != nil {
				log.Fatalf("%s: %v", chrom, err)
			}
			total.Records += stats.Records
			total.Filtered += stats.Filtered
			total.Pairs += stats.Pairs
			total.Discarded += stats.Discarded
			total.Fragments += stats.Fragments
			total.Blocks += stats.Blocks
		}
		log.Printf("hairs: %d record(s), %d filtered, %d pair(s), %d fragment(s), %d block(s)",
			total.Records, total.Filtered, total.Pairs, total.Fragments, total.Blocks)
	default:
		log.Fatalf("Unknown -mode %q; want 'scan', 'linked', 'hairs', or 'fragmat'", *mode)
	}
	finish()
	log.Debug.Printf("exiting")
}

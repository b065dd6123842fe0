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
	"fmt"
	"os"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// BAMSource hands out per-chromosome record iterators over an indexed BAM
// file.  Each iterator opens its own file handle, so per-chromosome scans
// can run concurrently.
type BAMSource struct {
	path string
	idx  *bam.Index
	refs map[string]*sam.Reference
}

// NewBAMSource opens the BAM header at path and its .bai index.  indexPath
// "" means path + ".bai".
func NewBAMSource(path, indexPath string) (src *BAMSource, err error) {
	if indexPath == "" {
		indexPath = path + ".bai"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	r, err := bam.NewReader(f, 1)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]*sam.Reference)
	for _, ref := range r.Header().Refs() {
		refs[ref.Name()] = ref
	}
	if err = r.Close(); err != nil {
		return nil, err
	}

	idxFile, err := os.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := idxFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	idx, err := bam.ReadIndex(idxFile)
	if err != nil {
		return nil, fmt.Errorf("extract.NewBAMSource: reading index %s: %v", indexPath, err)
	}
	return &BAMSource{path: path, idx: idx, refs: refs}, nil
}

// errIterator reports a setup failure through Close, the only Iterator
// method that can return an error.
type errIterator struct{ err error }

func (it *errIterator) Scan() bool          { return false }
func (it *errIterator) Record() *sam.Record { return nil }
func (it *errIterator) Close() error        { return it.err }

type bamIterator struct {
	f  *os.File
	r  *bam.Reader
	it *bam.Iterator
}

func (b *bamIterator) Scan() bool          { return b.it.Next() }
func (b *bamIterator) Record() *sam.Record { return b.it.Record() }

func (b *bamIterator) Close() error {
	err := b.it.Error()
	if cerr := b.r.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := b.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// NewIterator implements Source.
func (s *BAMSource) NewIterator(chrom string) Iterator {
	ref, ok := s.refs[chrom]
	if !ok {
		return &errIterator{err: fmt.Errorf("extract.BAMSource: chromosome %s not in %s", chrom, s.path)}
	}
	f, err := os.Open(s.path)
	if err != nil {
		return &errIterator{err: err}
	}
	r, err := bam.NewReader(f, 1)
	if err != nil {
		f.Close() // nolint: errcheck
		return &errIterator{err: err}
	}
	chunks, err := s.idx.Chunks(ref, 0, ref.Len())
	if err != nil {
		// An index with no entries for the chromosome means no reads.
		r.Close() // nolint: errcheck
		f.Close() // nolint: errcheck
		return &errIterator{err: nil}
	}
	it, err := bam.NewIterator(r, chunks)
	if err != nil {
		r.Close() // nolint: errcheck
		f.Close() // nolint: errcheck
		return &errIterator{err: err}
	}
	return &bamIterator{f: f, r: r, it: it}
}

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

package linked

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"v.io/x/lib/vlog"
)

// DefaultSpillBatchSize is the default number of spill entries to keep in
// memory before writing a sorted shard file.
const DefaultSpillBatchSize = 1 << 18

const sortParallelism = 2

// call is one (SNP, allele) observation carried on a spill line.
type call struct {
	snp    int
	allele int
}

// entry is one spilled read: the grouping key plus its resolved calls.
type entry struct {
	barcode string
	molIdx  int
	pos     int
	name    string
	calls   []call
}

// compare orders entries by (barcode, molecule index) only.  The external
// sort is stable, so entries of one molecule keep chromosome scan order.
func (e *entry) compare(other *entry) int {
	if e.barcode != other.barcode {
		if e.barcode < other.barcode {
			return -1
		}
		return 1
	}
	switch {
	case e.molIdx < other.molIdx:
		return -1
	case e.molIdx > other.molIdx:
		return 1
	}
	return 0
}

func (e *entry) marshal(buf *bytes.Buffer) {
	buf.WriteString(e.barcode)
	buf.WriteByte('\t')
	buf.WriteString(strconv.Itoa(e.molIdx))
	buf.WriteByte('\t')
	buf.WriteString(strconv.Itoa(e.pos))
	buf.WriteByte('\t')
	buf.WriteString(e.name)
	for _, c := range e.calls {
		buf.WriteByte('\t')
		buf.WriteString(strconv.Itoa(c.snp))
		buf.WriteByte('\t')
		buf.WriteString(strconv.Itoa(c.allele))
	}
	buf.WriteByte('\n')
}

func parseEntry(line string) (e entry, err error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 || len(fields)%2 != 0 {
		return e, fmt.Errorf("linked.parseEntry: malformed spill line %q", line)
	}
	e.barcode = fields[0]
	if e.molIdx, err = strconv.Atoi(fields[1]); err != nil {
		return e, fmt.Errorf("linked.parseEntry: bad molecule index in %q: %v", line, err)
	}
	if e.pos, err = strconv.Atoi(fields[2]); err != nil {
		return e, fmt.Errorf("linked.parseEntry: bad position in %q: %v", line, err)
	}
	e.name = fields[3]
	e.calls = make([]call, 0, (len(fields)-4)/2)
	for i := 4; i < len(fields); i += 2 {
		var c call
		if c.snp, err = strconv.Atoi(fields[i]); err != nil {
			return e, fmt.Errorf("linked.parseEntry: bad SNP id in %q: %v", line, err)
		}
		if c.allele, err = strconv.Atoi(fields[i+1]); err != nil {
			return e, fmt.Errorf("linked.parseEntry: bad allele in %q: %v", line, err)
		}
		e.calls = append(e.calls, c)
	}
	return e, nil
}

type spillBatch struct {
	seq  int
	recs []entry
}

// extSorter is the external stable sort behind one chromosome's spill: add
// buffers entries, background goroutines sort full batches into
// snappy-compressed shard files, and merge replays the shards in n-way merge
// order.
type extSorter struct {
	batchSize int
	tmpDir    string
	batch     []entry
	nBatches  int
	err       *errors.Once
	bgCh      chan spillBatch
	wg        sync.WaitGroup
	mu        sync.Mutex
	shards    map[int]string // batch seq -> shard path
}

func newExtSorter(batchSize int, tmpDir string, errReporter *errors.Once) *extSorter {
	if batchSize <= 0 {
		batchSize = DefaultSpillBatchSize
	}
	s := &extSorter{
		batchSize: batchSize,
		tmpDir:    tmpDir,
		err:       errReporter,
		bgCh:      make(chan spillBatch, sortParallelism),
		shards:    make(map[int]string),
	}
	for i := 0; i < sortParallelism; i++ {
		s.wg.Add(1)
		go func() {
			for batch := range s.bgCh {
				path := s.writeShard(batch)
				s.mu.Lock()
				s.shards[batch.seq] = path
				s.mu.Unlock()
			}
			s.wg.Done()
		}()
	}
	return s
}

func (s *extSorter) add(e entry) {
	s.batch = append(s.batch, e)
	if len(s.batch) >= s.batchSize {
		s.startSpill()
	}
}

func (s *extSorter) startSpill() {
	s.bgCh <- spillBatch{seq: s.nBatches, recs: s.batch}
	s.nBatches++
	s.batch = nil
}

func (s *extSorter) writeShard(batch spillBatch) string {
	vlog.VI(1).Infof("linked: sorting spill batch %d (%d entries)", batch.seq, len(batch.recs))
	sort.SliceStable(batch.recs, func(i, j int) bool {
		return batch.recs[i].compare(&batch.recs[j]) < 0
	})
	temp, err := ioutil.TempFile(s.tmpDir, "linkedspill")
	if err != nil {
		s.err.Set(err)
		return ""
	}
	wz := snappy.NewBufferedWriter(temp)
	var buf bytes.Buffer
	for i := range batch.recs {
		buf.Reset()
		batch.recs[i].marshal(&buf)
		if _, err := wz.Write(buf.Bytes()); err != nil {
			s.err.Set(err)
			break
		}
	}
	s.err.Set(wz.Close())
	s.err.Set(temp.Close())
	return temp.Name()
}

// shardReader streams one sorted shard's entries back.
type shardReader struct {
	path    string
	f       *os.File
	scanner *bufio.Scanner
	cur     entry
	err     *errors.Once
}

func newShardReader(path string, errReporter *errors.Once) *shardReader {
	r := &shardReader{path: path, err: errReporter}
	f, err := os.Open(path)
	if err != nil {
		r.err.Set(err)
		return r
	}
	r.f = f
	r.scanner = bufio.NewScanner(snappy.NewReader(f))
	r.scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	return r
}

func (r *shardReader) scan() bool {
	if r.scanner == nil || !r.scanner.Scan() {
		if r.scanner != nil {
			r.err.Set(r.scanner.Err())
		}
		return false
	}
	e, err := parseEntry(r.scanner.Text())
	if err != nil {
		r.err.Set(err)
		return false
	}
	r.cur = e
	return true
}

func (r *shardReader) close() {
	if r.f != nil {
		r.err.Set(r.f.Close())
	}
}

// mergeLeaf wraps one shardReader in the llrb merge tree.  seq is the batch
// sequence number; it breaks (barcode, molIdx) ties so the merge is a stable
// extension of spill order.
type mergeLeaf struct {
	seq int
	r   *shardReader
}

func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	other := c.(*mergeLeaf)
	if c := l.r.cur.compare(&other.r.cur); c != 0 {
		return c
	}
	return l.seq - other.seq
}

// merge flushes the final batch, waits for background sorts, and replays all
// shards in merged (barcode, molIdx, spill) order through fn.  Shard files
// are removed before merge returns.  Errors from fn or the readers surface
// through the sorter's errors.Once.
func (s *extSorter) merge(fn func(e *entry) error) {
	if len(s.batch) > 0 {
		s.startSpill()
	}
	close(s.bgCh)
	s.wg.Wait()
	defer func() {
		for _, path := range s.shards {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil {
				vlog.Errorf("linked: failed to remove spill shard %v: %v", path, err)
			}
		}
	}()
	if s.err.Err() != nil {
		return
	}
	readers := make([]*shardReader, 0, s.nBatches)
	// A one-level llrb tree keeps the smallest leaf cheap to find when the
	// same shard stays smallest for a run of entries.
	leafs := llrb.Tree{}
	for seq := 0; seq < s.nBatches; seq++ {
		r := newShardReader(s.shards[seq], s.err)
		readers = append(readers, r)
		if r.scan() {
			leafs.Insert(&mergeLeaf{seq: seq, r: r})
		}
	}
	vlog.VI(1).Infof("linked: merging %d spill shard(s), %d non-empty", s.nBatches, leafs.Len())
	done := false
	for !done && leafs.Len() > 0 {
		var top, next *mergeLeaf
		nth := 0
		leafs.Do(func(item llrb.Comparable) bool {
			nth++
			switch nth {
			case 1:
				top = item.(*mergeLeaf)
				return false
			default:
				next = item.(*mergeLeaf)
				return true
			}
		})
		// Drain top until it grows past the second-smallest leaf.
		exhausted := false
		for {
			if err := fn(&top.r.cur); err != nil {
				s.err.Set(err)
				done = true
				break
			}
			if !top.r.scan() {
				exhausted = true
				break
			}
			if next != nil {
				if c := next.r.cur.compare(&top.r.cur); c < 0 || (c == 0 && next.seq < top.seq) {
					break
				}
			}
		}
		leafs.DeleteMin()
		if !done && !exhausted {
			leafs.Insert(top)
		}
	}
	for _, r := range readers {
		r.close()
	}
}

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
)

// pendingRead holds the decoded fields needed to re-walk the first end of a
// pair once its partner arrives.  The record itself is not retained; the
// iterator may recycle it.
type pendingRead struct {
	// name is the full (unnormalized) read name, used for output.
	name string
	pos  int
	// cursor is the SNP-table candidate index captured when the record
	// arrived; the mate's walk must start there, not at the scan cursor,
	// which has moved on by merge time.
	cursor int
	cigar  sam.Cigar
	seq    []byte
	qual   []byte
}

// capture copies the walk-relevant fields of rec.
func capture(rec *sam.Record, cursor int) pendingRead {
	cigar := make(sam.Cigar, len(rec.Cigar))
	copy(cigar, rec.Cigar)
	qual := make([]byte, len(rec.Qual))
	copy(qual, rec.Qual)
	return pendingRead{
		name:   rec.Name,
		pos:    rec.Pos,
		cursor: cursor,
		cigar:  cigar,
		seq:    rec.Seq.Expand(),
		qual:   qual,
	}
}

// matchKey normalizes a read name for mate lookup by dropping a trailing
// two-character "#x" or "/x" pair suffix.  The transform applies to the map
// key only; emitted names keep their original form.
func matchKey(name string) string {
	if n := len(name); n > 2 && (name[n-2] == '#' || name[n-2] == '/') {
		return name[:n-2]
	}
	return name
}

// Copyright 2026 The Quorumstor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bufferpool supplies reusable fixed-size memory segments to
// the block writer and enforces the hard cap on outstanding buffered
// bytes.
//
// Segments are handed out in fill order and released in the same FIFO
// order once their bytes are provably durable on the replica set. A
// released segment's storage is reused for a later allocation rather
// than returned to the runtime.
package bufferpool

import (
	"sync"

	"go.chromium.org/luci/common/errors"
)

// Segment is one fixed-size buffer owned by a single writer while
// filled or in flight. Segment is not goroutine-safe; the Pool hands
// each live Segment to exactly one owner.
type Segment struct {
	data   []byte
	pos    int
	sealed bool
}

// Put copies bytes from b into the segment, up to its remaining
// capacity, and returns the number of bytes consumed.
func (s *Segment) Put(b []byte) int {
	n := copy(s.data[s.pos:], b)
	s.pos += n
	return n
}

// Len returns the number of valid bytes in the segment.
func (s *Segment) Len() int { return s.pos }

// Full reports whether the segment can accept no more bytes, either
// because it is at capacity or because it was sealed.
func (s *Segment) Full() bool { return s.sealed || s.pos == len(s.data) }

// Seal marks a partially-filled segment as complete. A flush that
// ships a partial trailing chunk seals its segment, so later writes
// start a fresh segment instead of growing a chunk that was already
// shipped.
func (s *Segment) Seal() { s.sealed = true }

// Bytes returns the valid byte range of the segment. The returned
// slice aliases the segment's storage; it must not be retained past
// the segment's release.
func (s *Segment) Bytes() []byte { return s.data[:s.pos] }

// Pool is a bounded FIFO pool of fixed-size segments.
type Pool struct {
	mu       sync.Mutex
	segSize  int
	capacity int

	// live holds allocated segments, oldest first. The last entry is
	// the active segment being filled.
	live []*Segment
	free []*Segment
}

// New creates a Pool of at most capacity segments of segSize bytes.
func New(capacity, segSize int) *Pool {
	return &Pool{segSize: segSize, capacity: capacity}
}

// AllocateIfNeeded returns the active segment, allocating one if there
// is no active segment or the active segment is full.
//
// Allocation beyond the pool's capacity means the caller bypassed the
// buffer-pressure checks and is an error.
func (p *Pool) AllocateIfNeeded() (*Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.live); n > 0 && !p.live[n-1].Full() {
		return p.live[n-1], nil
	}
	if len(p.live) == p.capacity {
		return nil, errors.Fmt("buffer pool exhausted: %d segments live", len(p.live))
	}
	var s *Segment
	if n := len(p.free); n > 0 {
		s, p.free = p.free[n-1], p.free[:n-1]
	} else {
		s = &Segment{data: make([]byte, p.segSize)}
	}
	p.live = append(p.live, s)
	return s, nil
}

// Segment returns the i'th oldest live segment. It is used on the
// retry path, where the data to resend is already resident in the
// pool.
func (p *Pool) Segment(i int) *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[i]
}

// Active returns the segment currently being filled, or nil if the
// pool has no live segments.
func (p *Pool) Active() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.live); n > 0 {
		return p.live[n-1]
	}
	return nil
}

// BufferedBytes returns the total filled bytes across live segments.
func (p *Pool) BufferedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, s := range p.live {
		total += int64(s.pos)
	}
	return total
}

// ReleaseOldest returns the oldest live segment's storage to the pool
// for reuse. It is a no-op on an empty pool.
func (p *Pool) ReleaseOldest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.live) == 0 {
		return
	}
	s := p.live[0]
	p.live = p.live[1:]
	s.pos = 0
	s.sealed = false
	p.free = append(p.free, s)
}

// Len returns the number of live segments.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Cap returns the maximum number of live segments.
func (p *Pool) Cap() int { return p.capacity }

// SegmentSize returns the fixed size of each segment.
func (p *Pool) SegmentSize() int { return p.segSize }

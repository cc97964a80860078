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

package blockwriter

import (
	"slices"

	log "go.chromium.org/luci/common/logging"
)

// commitEntry associates the log index assigned to a put-block with
// the flush boundary it acknowledged.
type commitEntry struct {
	logIndex uint64
	flushPos int64
}

// commitTracker is the ordered association between pending put-blocks
// and their log indices. Entries are kept in ascending log-index
// order; entries sharing an index (a standalone pipeline assigns index
// zero to everything) keep insertion order, which is flush order.
//
// The tracker is guarded by the Writer's mu.
type commitTracker struct {
	entries []commitEntry
}

func (t *commitTracker) insert(logIndex uint64, flushPos int64) {
	i := len(t.entries)
	for i > 0 && t.entries[i-1].logIndex > logIndex {
		i--
	}
	t.entries = slices.Insert(t.entries, i, commitEntry{logIndex: logIndex, flushPos: flushPos})
}

func (t *commitTracker) len() int { return len(t.entries) }

// lowest returns the log index of the oldest outstanding flush.
func (t *commitTracker) lowest() (uint64, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	return t.entries[0].logIndex, true
}

// highest returns the log index of the newest outstanding flush.
func (t *commitTracker) highest() (uint64, bool) {
	if len(t.entries) == 0 {
		return 0, false
	}
	return t.entries[len(t.entries)-1].logIndex, true
}

// takeUpTo removes and returns, in ascending order, every entry with
// log index <= index.
func (t *commitTracker) takeUpTo(index uint64) []commitEntry {
	i := 0
	for i < len(t.entries) && t.entries[i].logIndex <= index {
		i++
	}
	taken := slices.Clone(t.entries[:i])
	t.entries = t.entries[i:]
	return taken
}

func (t *commitTracker) clear() {
	t.entries = nil
}

// adjustBuffersLocked applies every pending commit entry confirmed by
// commitIndex: the acknowledged length advances and the segments whose
// bytes are now provably durable return to the pool. A commitIndex
// confirming nothing is a no-op.
//
// Caller holds w.mu.
func (w *Writer) adjustBuffersLocked(commitIndex uint64) {
	confirmed := w.tracker.takeUpTo(commitIndex)
	if len(confirmed) == 0 {
		return
	}
	w.updateFlushIndexLocked(confirmed)
}

// updateFlushIndexLocked advances totalAckDataLength through the given
// entries, strictly in order, and releases the buffer segments they
// cover. Entries must carry strictly increasing flush positions: the
// tracker is filled and drained in flush order, and a repeat or
// decrease means the acknowledgment bookkeeping is corrupt.
//
// Caller holds w.mu.
func (w *Writer) updateFlushIndexLocked(entries []commitEntry) {
	for _, e := range entries {
		invariant(e.flushPos > w.acked,
			"commit entries removed out of order: flush position %d after %d acknowledged",
			e.flushPos, w.acked)
		delta := e.flushPos - w.acked
		w.acked = e.flushPos
		delete(w.flushes, e.flushPos)
		log.Fields{
			"acked":    w.acked,
			"logIndex": e.logIndex,
		}.Debugf(w.ctx, "data quorum-committed")

		// Flush boundaries land on chunk edges, so the acknowledged
		// range is always a whole number of oldest segments. Releases
		// count actual segment bytes: a sealed partial from an earlier
		// flush holds fewer than ChunkSize bytes.
		var released int64
		for released < delta {
			released += int64(w.pool.Segment(0).Len())
			w.pool.ReleaseOldest()
		}
		invariant(released == delta,
			"flush boundary %d straddles a segment: released %d bytes of %d", e.flushPos, released, delta)
	}
}

// reconcileOnFailure reconciles the buffers against whatever commit
// index the replica set is known to have reached. A failure may land
// after some flushes were confirmed; the buffers must keep only data
// that is not sufficiently replicated.
func (w *Writer) reconcileOnFailure() {
	index := w.client.ReplicatedMinCommitIndex()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adjustBuffersLocked(index)
}

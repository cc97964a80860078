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
	"go.chromium.org/luci/common/errors"
	log "go.chromium.org/luci/common/logging"

	"github.com/quorumstor/quorumstor/transport"
)

// handlePartialFlush snapshots the current flush boundary and issues
// an async put-block carrying the full chunk list built so far. The
// returned future resolves once the completion has been applied.
func (w *Writer) handlePartialFlush() (*flushFuture, error) {
	if err := w.checkOpen(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	flushPos := w.flushed
	snapshot := w.blockData.Snapshot()
	reqID := transport.PutBlockRequestID(w.opts.TraceID, w.chunkIndex, snapshot.BlockID)
	w.mu.Unlock()

	call, err := w.client.PutBlock(w.ctx, snapshot, reqID)
	if err != nil {
		return nil, w.fail(errors.Fmt("blockwriter: issuing put-block at %d: %w", flushPos, err))
	}

	ff := &flushFuture{done: make(chan struct{})}
	w.mu.Lock()
	w.flushes[flushPos] = ff
	w.mu.Unlock()

	w.forward(call, func(reply transport.Reply, err error) {
		defer close(ff.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		switch {
		case err != nil:
			log.Fields{
				log.ErrorKey: err,
				"block":      w.blockData.BlockID,
				"flushPos":   flushPos,
			}.Debugf(w.ctx, "put-block failed")
			w.setFailureLocked(errors.Fmt("blockwriter: put-block at %d: %w", flushPos, err))
		case w.failure != nil:
			// A failure arrived while this request was in flight. Its
			// result must not touch the bookkeeping.
		default:
			invariant(w.blockData.BlockID.SameBlock(reply.CommittedBlock),
				"put-block response names block %s, stream writes %s",
				reply.CommittedBlock, w.blockData.BlockID)
			w.blockData.BlockID = reply.CommittedBlock
			w.tracker.insert(reply.LogIndex, flushPos)
			log.Fields{
				"logIndex": reply.LogIndex,
				"flushPos": flushPos,
				"pending":  w.tracker.len(),
			}.Debugf(w.ctx, "recorded pending commit")
		}
	})
	return ff, nil
}

// Flush forces assembly of any partial trailing chunk, issues a
// put-block for all bytes written since the last flush boundary, and
// blocks until every in-flight put-block has completed. It does not
// wait for quorum commitment; Close does.
func (w *Writer) Flush() error {
	return w.handleFlush()
}

func (w *Writer) handleFlush() error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	w.mu.Lock()
	trailing := w.flushed < w.written
	w.mu.Unlock()

	if trailing {
		// Ship the unsent tail of the active segment, if any. Full
		// segments in the unflushed range were already shipped when
		// they filled; sealing the partial one keeps later writes from
		// regrowing a chunk that is already on the wire.
		if seg := w.pool.Active(); seg != nil && seg.Len() > 0 && !seg.Full() {
			if err := w.writeChunk(seg); err != nil {
				return err
			}
			seg.Seal()
		}
		w.mu.Lock()
		w.flushed = w.written
		w.mu.Unlock()
		if _, err := w.handlePartialFlush(); err != nil {
			return err
		}
	}

	w.waitOnFlushFutures()
	// A failure observed while waiting must surface even though the
	// commit tracker may already be empty.
	return w.checkOpen()
}

// waitOnFlushFutures blocks until every in-flight put-block completion
// has been applied by the dispatcher.
func (w *Writer) waitOnFlushFutures() {
	w.mu.Lock()
	pending := make([]*flushFuture, 0, len(w.flushes))
	for _, ff := range w.flushes {
		pending = append(pending, ff)
	}
	w.mu.Unlock()
	for _, ff := range pending {
		<-ff.done
	}
}

// handleFullBuffer blocks the owner when buffered unacknowledged bytes
// reach the configured maximum: it waits for all in-flight put-blocks,
// then watches the oldest outstanding flush so forward progress frees
// the oldest segments first.
func (w *Writer) handleFullBuffer() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.waitOnFlushFutures()
	if err := w.checkOpen(); err != nil {
		return err
	}

	w.mu.Lock()
	index, ok := w.tracker.lowest()
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return w.watchForCommit(index)
}

// watchForCommit blocks until the replica set confirms quorum
// commitment of index, then reconciles the commit tracker and the
// buffer pool against the confirmed index.
//
// On failure or timeout the buffers are reconciled against whatever
// the session can still prove committed, and the error becomes the
// stream's sticky failure.
func (w *Writer) watchForCommit(index uint64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	res, err := w.client.WatchForCommit(w.ctx, index, w.opts.WatchTimeout)
	if err != nil {
		log.Fields{
			log.ErrorKey: err,
			"logIndex":   index,
		}.Warningf(w.ctx, "commit watch failed")
		w.reconcileOnFailure()
		return w.fail(errors.Fmt("blockwriter: watching commit of index %d: %w", index, err))
	}

	w.mu.Lock()
	w.failedReplicas = append(w.failedReplicas, res.FailedReplicas...)
	w.adjustBuffersLocked(res.LogIndex)
	w.mu.Unlock()
	return nil
}

// Close flushes all remaining data, waits until the highest pending
// flush has been quorum-committed, and releases the transport session
// and buffer pool. A reader observing the block afterwards sees either
// no chunks or the complete chunk list.
//
// Close after a successful Close is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	defer w.cleanup(false)

	if err := w.handleFlush(); err != nil {
		return err
	}

	w.mu.Lock()
	index, ok := w.tracker.highest()
	w.mu.Unlock()
	if !ok {
		return nil
	}
	log.Fields{"logIndex": index}.Debugf(w.ctx, "waiting for final flush to commit")
	return w.watchForCommit(index)
}

// Cleanup releases the transport session and marks the stream inert
// without waiting for outstanding commits. It is exposed for the
// external recovery policy, which discards a broken session before
// replaying buffered data through a fresh Writer.
//
// invalidateSession is forwarded intent: a session torn down after a
// connection-level failure should not be returned to any session
// cache.
func (w *Writer) Cleanup(invalidateSession bool) {
	w.cleanup(invalidateSession)
}

func (w *Writer) cleanup(invalidateSession bool) {
	_ = invalidateSession // the session owns cache invalidation policy

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.flushes = map[int64]*flushFuture{}
	w.tracker.clear()
	w.mu.Unlock()

	w.disp.stop()
	w.client.Close()
}

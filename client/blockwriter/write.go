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
	"fmt"

	"go.chromium.org/luci/common/errors"
	log "go.chromium.org/luci/common/logging"

	"github.com/quorumstor/quorumstor/common/bufferpool"
	"github.com/quorumstor/quorumstor/common/types"
	"github.com/quorumstor/quorumstor/transport"
)

// Write appends p to the stream, implementing io.Writer.
//
// Input is split across chunk-sized boundaries; each segment that
// fills to exactly the chunk size is shipped asynchronously. Crossing
// a flush-granularity boundary issues a put-block for the bytes
// written since the last one. If buffered unacknowledged bytes reach
// the configured maximum, Write blocks until enough data has been
// quorum-committed to make room.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		seg, err := w.pool.AllocateIfNeeded()
		if err != nil {
			return total, w.fail(errors.Fmt("blockwriter: %w", err))
		}
		n := seg.Put(p)
		p = p[n:]
		total += n

		if seg.Full() {
			if err := w.writeChunk(seg); err != nil {
				return total, err
			}
		}

		w.mu.Lock()
		w.written += int64(n)
		// A flush comes due once a full granularity of bytes stands
		// behind the last completed chunk. The boundary advances to the
		// chunk edge, not to a granularity multiple: a partial flush
		// leaves flushed unaligned, and the next boundary must still
		// land where a chunk ends.
		flushDue := w.written-w.flushed >= w.opts.FlushGranularity
		if flushDue {
			w.flushed = w.written
		}
		w.mu.Unlock()

		if flushDue {
			if _, err := w.handlePartialFlush(); err != nil {
				return total, err
			}
		}
		if w.bufferFull() {
			if err := w.handleFullBuffer(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// WriteByte appends a single byte, implementing io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// WriteOnRetry re-submits length bytes already resident in the buffer
// pool, following the same flush and buffer-pressure rules as Write.
//
// It is used by the external recovery policy: after a failure, a fresh
// Writer is created against a new replica session with the failed
// instance's pool, and the unacknowledged bytes are replayed without
// re-copying. Chunk names are derived from this instance's stream id,
// so replayed chunks never collide with those of the failed session.
func (w *Writer) WriteOnRetry(length int64) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if length > w.opts.MaxBufferedBytes {
		return errors.Fmt("blockwriter: retry length %d exceeds the %d buffered-byte maximum",
			length, w.opts.MaxBufferedBytes)
	}
	invariant(int64(w.pool.Len())*int64(w.opts.ChunkSize) >= length,
		"retry length %d exceeds resident data", length)

	for i := 0; length > 0; i++ {
		seg := w.pool.Segment(i)
		n := int64(seg.Len())
		invariant(n > 0 && n <= length, "segment %d holds %d bytes with %d left to resend", i, n, length)
		if err := w.writeChunk(seg); err != nil {
			return err
		}
		if !seg.Full() {
			// The trailing partial segment was carved as a chunk of the
			// new session; seal it so a later flush does not ship it
			// again.
			seg.Seal()
		}
		length -= n

		w.mu.Lock()
		w.written += n
		// Resident segments replay whole, including sealed partials from
		// earlier flushes, so the boundary advances to wherever the
		// shipped segment ends once a full granularity is behind it.
		flushDue := w.written-w.flushed >= w.opts.FlushGranularity
		if flushDue {
			w.flushed = w.written
		}
		pressure := w.written == w.opts.MaxBufferedBytes
		w.mu.Unlock()

		if flushDue {
			if _, err := w.handlePartialFlush(); err != nil {
				return err
			}
		}
		// The pool is already full of resident data, so the usual
		// buffered-bytes check would trip immediately. Pressure applies
		// only once the whole buffer's worth has been resent.
		if pressure {
			if err := w.handleFullBuffer(); err != nil {
				return err
			}
		}
	}
	return nil
}

// bufferFull reports whether the pool can accept no more data without
// an acknowledgment releasing segments.
func (w *Writer) bufferFull() bool {
	return w.pool.BufferedBytes() >= w.opts.MaxBufferedBytes || w.pool.Len() == w.pool.Cap()
}

// writeChunk assembles the segment's valid bytes into the next chunk
// and issues its write. The descriptor joins the block's chunk list
// immediately so the next put-block snapshot covers every chunk of the
// flushed range; the list is re-sorted by index at snapshot time.
func (w *Writer) writeChunk(seg *bufferpool.Segment) error {
	data := seg.Bytes()
	ckData, err := w.cksum.Compute(data)
	if err != nil {
		return w.fail(errors.Fmt("blockwriter: %w", err))
	}

	w.mu.Lock()
	w.chunkIndex++
	chunk := types.ChunkInfo{
		Name:     w.chunkName(w.chunkIndex),
		Index:    w.chunkIndex,
		Len:      int64(len(data)),
		Checksum: ckData,
	}
	blockID := w.blockData.BlockID
	w.mu.Unlock()

	reqID := transport.WriteChunkRequestID(w.opts.TraceID, chunk.Index, chunk.Name)
	call, err := w.client.WriteChunk(w.ctx, chunk, blockID, data, reqID)
	if err != nil {
		return w.fail(errors.Fmt("blockwriter: issuing write of chunk %q: %w", chunk.Name, err))
	}
	w.forward(call, func(_ transport.Reply, err error) {
		if err != nil {
			log.Fields{
				log.ErrorKey: err,
				"chunk":      chunk.Name,
				"block":      blockID,
			}.Debugf(w.ctx, "chunk write failed")
			w.setFailure(errors.Fmt("blockwriter: writing chunk %q: %w", chunk.Name, err))
		}
	})

	w.mu.Lock()
	w.blockData.Chunks = append(w.blockData.Chunks, chunk)
	w.mu.Unlock()

	log.Fields{
		"chunk":  chunk.Name,
		"block":  blockID,
		"length": len(data),
	}.Debugf(w.ctx, "writing chunk")
	return nil
}

// chunkName derives the name for the index'th chunk. The stable key
// digest plus the per-stream unique id plus the 1-based index makes
// names pairwise distinct within a stream by construction.
func (w *Writer) chunkName(index int) string {
	return fmt.Sprintf("%s_stream_%s_chunk_%d", w.keyDigest, w.streamID, index)
}

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

// Package blockwriter implements the write path of the block storage
// client: it slices a byte stream into fixed-size chunks, ships each
// chunk to a replica set asynchronously, and tracks, independently of
// write order, when enough replicas have durably committed each flush
// to release buffer memory.
//
// In order to preserve the semantics that replacement of a
// pre-existing key is atomic, each Writer carries an internal unique
// identifier; this identifier and a monotonically increasing chunk
// index form the chunk name. Every put-block call carries the full
// chunk list accumulated so far, so a concurrent reader never observes
// an intermediate state in which chunks from different versions of the
// key data are interleaved.
//
// A Writer is single-owner: Write, Flush and Close must not be called
// concurrently. Asynchronous completions arrive on their own
// goroutines and are funneled through one sequential dispatcher, so
// all mutation of shared bookkeeping happens on a single timeline.
package blockwriter

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"slices"
	"sync"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/common/bufferpool"
	"github.com/quorumstor/quorumstor/common/checksum"
	"github.com/quorumstor/quorumstor/common/types"
	"github.com/quorumstor/quorumstor/transport"
)

// ErrClosedStream is returned by every operation on a Writer whose
// transport session has been released.
var ErrClosedStream = errors.New("blockwriter: stream is closed")

// Writer streams one block's data to a replica set.
type Writer struct {
	ctx    context.Context
	opts   Options
	client transport.Client
	pool   *bufferpool.Pool
	cksum  *checksum.Checksum

	// streamID makes chunk names unique to this Writer instance.
	streamID  string
	keyDigest string

	disp *dispatcher

	// mu guards everything below. The owner goroutine and the
	// dispatcher are the only mutators; accessors may read from any
	// goroutine.
	mu sync.Mutex

	// blockData accumulates the block's metadata: its identity (commit
	// sequence replaced by each successful put-block response) and the
	// ordered chunk list.
	blockData  types.BlockData
	chunkIndex int

	// written >= flushed >= acked at all times: acknowledgment lags
	// commit submission, which lags local buffering.
	written int64
	flushed int64
	acked   int64

	// flushes holds one future per in-flight put-block, keyed by the
	// flush boundary it covers.
	flushes map[int64]*flushFuture

	tracker commitTracker

	failedReplicas []types.ReplicaID

	// failure is the sticky error. The first failure wins; it is never
	// cleared, and every subsequent operation fails with it.
	failure error
	closed  bool

	// inflight counts async completions not yet applied by the
	// dispatcher (or dropped at cleanup).
	inflight sync.WaitGroup
}

// flushFuture tracks one in-flight put-block. done is closed by the
// dispatcher after the completion has been applied to the Writer's
// bookkeeping, so a waiter observing done sees consistent state.
type flushFuture struct {
	done chan struct{}
}

// New creates a Writer for one block bound to one replica-set session.
//
// pool may be nil, in which case a pool sized to opts is created. The
// retry path passes the previous instance's pool, whose segments still
// hold the unacknowledged data to resend via WriteOnRetry.
func New(ctx context.Context, client transport.Client, pool *bufferpool.Pool, opts Options) (*Writer, error) {
	opts.normalize()
	if err := opts.Validate(); err != nil {
		return nil, errors.Fmt("blockwriter: invalid options: %w", err)
	}
	if client == nil {
		return nil, errors.New("blockwriter: a transport client must be supplied")
	}
	if pool == nil {
		pool = bufferpool.New(int(opts.MaxBufferedBytes/int64(opts.ChunkSize)), opts.ChunkSize)
	} else if pool.SegmentSize() != opts.ChunkSize {
		return nil, errors.Fmt("blockwriter: pool segment size %d does not match ChunkSize %d",
			pool.SegmentSize(), opts.ChunkSize)
	}

	cksum, err := checksum.New(opts.Checksum, opts.BytesPerChecksum)
	if err != nil {
		return nil, errors.Fmt("blockwriter: %w", err)
	}

	keySum := md5.Sum([]byte(opts.Key))
	w := &Writer{
		ctx:       ctx,
		opts:      opts,
		client:    client,
		pool:      pool,
		cksum:     cksum,
		streamID:  uuid.New().String(),
		keyDigest: hex.EncodeToString(keySum[:]),
		disp:      newDispatcher(),
		blockData: types.BlockData{
			BlockID:  opts.BlockID,
			Metadata: []types.KeyValue{{Key: "TYPE", Value: "KEY"}},
		},
		flushes: map[int64]*flushFuture{},
	}
	return w, nil
}

// BlockID returns the block's identity, including the latest commit
// sequence observed from the replica set.
func (w *Writer) BlockID() types.BlockID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blockData.BlockID
}

// WrittenDataLength returns the total bytes accepted by Write and
// WriteOnRetry.
func (w *Writer) WrittenDataLength() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// TotalDataFlushedLength returns the bytes covered by issued put-block
// calls.
func (w *Writer) TotalDataFlushedLength() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// TotalAckDataLength returns the bytes known to be quorum-committed.
// In case of failure, the retry path resends data starting here.
func (w *Writer) TotalAckDataLength() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acked
}

// FailedReplicas returns the replicas reported by commit watches as
// not yet acknowledging. The list is informational and append-only.
func (w *Writer) FailedReplicas() []types.ReplicaID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.failedReplicas)
}

// checkOpen fails if the stream is closed or a sticky failure is set.
//
// On the failure path the buffers are first reconciled against the
// session's known commit index, so a caller that catches the error and
// retries observes consistent counters.
func (w *Writer) checkOpen() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosedStream
	}
	if err := w.failure; err != nil {
		w.mu.Unlock()
		w.reconcileOnFailure()
		return err
	}
	w.mu.Unlock()
	return nil
}

// setFailure records err as the stream's terminal failure. The first
// failure wins: a request already in flight when an error occurs must
// not replace the error that caused it.
func (w *Writer) setFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setFailureLocked(err)
}

func (w *Writer) setFailureLocked(err error) {
	if w.failure == nil {
		w.failure = err
	}
}

// fail stores err as the sticky failure and returns the stored value,
// which may be an earlier failure.
func (w *Writer) fail(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setFailureLocked(err)
	return w.failure
}

// forward routes an async call's completion through the sequential
// dispatcher. apply runs on the dispatcher goroutine, in completion
// arrival order with respect to every other completion.
func (w *Writer) forward(call *transport.Call, apply func(transport.Reply, error)) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		<-call.Done()
		reply, err := call.Result()
		applied := make(chan struct{})
		w.disp.enqueue(func() {
			defer close(applied)
			apply(reply, err)
		})
		select {
		case <-applied:
		case <-w.disp.stopped:
		}
	}()
}

// invariant panics if cond is false. Violations are programming
// errors, not recoverable conditions: the stream's bookkeeping can no
// longer be trusted.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(errors.Fmt("blockwriter: internal consistency: "+format, args...))
	}
}

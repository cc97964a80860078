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

// Package transporttest provides an in-memory transport.Client backed
// by a simulated replica set.
//
// The fake assigns consensus log indices, validates chunk payloads
// against their checksums, and models quorum commit advancement. Tests
// inject per-call failures, lagging replicas and watch timeouts; the
// blockbench tool uses it as a loopback target.
package transporttest

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/common/checksum"
	"github.com/quorumstor/quorumstor/common/types"
	"github.com/quorumstor/quorumstor/transport"
)

// ChunkWrite records one WriteChunk call.
type ChunkWrite struct {
	Chunk     types.ChunkInfo
	Block     types.BlockID
	Data      []byte
	RequestID string
	LogIndex  uint64
}

// PutBlockCall records one PutBlock call.
type PutBlockCall struct {
	Block     types.BlockData
	RequestID string
	LogIndex  uint64
}

// WatchCall records one WatchForCommit call.
type WatchCall struct {
	Index   uint64
	Timeout time.Duration
}

type watchStub struct {
	result *transport.CommitResult
	err    error
	block  bool // consume the full timeout before failing
}

type pendingOp struct {
	call  *transport.Call
	reply transport.Reply
	err   error
}

// Fake is an in-memory transport.Client. The zero value is not usable;
// use New.
type Fake struct {
	mu sync.Mutex

	standalone bool
	verify     bool
	hold       bool
	closed     bool

	nextIndex   uint64
	commitIndex uint64

	pending []*pendingOp

	chunkWrites []ChunkWrite
	putBlocks   []PutBlockCall
	watches     []WatchCall

	chunkErrs    map[int]error
	putBlockErrs map[int]error
	watchStubs   []watchStub
	lagging      []types.ReplicaID
}

// New returns a Fake that resolves every call immediately with
// success and confirms every watched index.
func New() *Fake {
	return &Fake{
		verify:       true,
		chunkErrs:    map[int]error{},
		putBlockErrs: map[int]error{},
	}
}

// NewStandalone returns a Fake modeling a single-node pipeline with no
// consensus log: every assigned log index is zero.
func NewStandalone() *Fake {
	f := New()
	f.standalone = true
	return f
}

// HoldCompletions stops the fake from resolving WriteChunk and
// PutBlock calls; they accumulate until ResolveAll.
func (f *Fake) HoldCompletions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

// ResolveAll resolves every held call in issue order.
func (f *Fake) ResolveAll() {
	f.mu.Lock()
	held := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, op := range held {
		op.call.Resolve(op.reply, op.err)
	}
}

// FailChunkWrite makes the n'th (1-based) WriteChunk call resolve with
// err.
func (f *Fake) FailChunkWrite(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkErrs[n] = err
}

// FailPutBlock makes the n'th (1-based) PutBlock call resolve with err.
func (f *Fake) FailPutBlock(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBlockErrs[n] = err
}

// StubWatch queues an override for the next WatchForCommit call.
func (f *Fake) StubWatch(result *transport.CommitResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchStubs = append(f.watchStubs, watchStub{result: result, err: err})
}

// StubWatchTimeout makes the next WatchForCommit consume its full
// timeout (against the context's clock) and fail with ErrWatchTimeout.
func (f *Fake) StubWatchTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchStubs = append(f.watchStubs, watchStub{err: transport.ErrWatchTimeout, block: true})
}

// SetLagging sets the replicas reported as not-yet-acknowledging by
// subsequent successful watches.
func (f *Fake) SetLagging(replicas ...types.ReplicaID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lagging = replicas
}

// SetCommitIndex sets the quorum-committed index reported by
// ReplicatedMinCommitIndex.
func (f *Fake) SetCommitIndex(index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitIndex = index
}

// ChunkWrites returns a snapshot of the recorded WriteChunk calls.
func (f *Fake) ChunkWrites() []ChunkWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chunkWrites)
}

// PutBlocks returns a snapshot of the recorded PutBlock calls.
func (f *Fake) PutBlocks() []PutBlockCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.putBlocks)
}

// Watches returns a snapshot of the recorded WatchForCommit calls.
func (f *Fake) Watches() []WatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.watches)
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) assignIndex() uint64 {
	if f.standalone {
		return 0
	}
	f.nextIndex++
	return f.nextIndex
}

func (f *Fake) issue(reply transport.Reply, err error) *transport.Call {
	call := transport.NewCall()
	if f.hold {
		f.pending = append(f.pending, &pendingOp{call: call, reply: reply, err: err})
		return call
	}
	call.Resolve(reply, err)
	return call
}

// WriteChunk implements transport.Client. The payload is verified
// against the chunk's checksum the way a storage replica would.
func (f *Fake) WriteChunk(ctx context.Context, chunk types.ChunkInfo, block types.BlockID, data []byte, requestID string) (*transport.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("transporttest: session is closed")
	}

	index := f.assignIndex()
	f.chunkWrites = append(f.chunkWrites, ChunkWrite{
		Chunk:     chunk,
		Block:     block,
		Data:      slices.Clone(data),
		RequestID: requestID,
		LogIndex:  index,
	})

	err := f.chunkErrs[len(f.chunkWrites)]
	if err == nil {
		if verr := chunk.Validate(); verr != nil {
			err = verr
		} else if chunk.Len != int64(len(data)) {
			err = errors.Fmt("chunk %q declares %d bytes, carries %d", chunk.Name, chunk.Len, len(data))
		} else if f.verify {
			err = checksum.Verify(data, chunk.Checksum)
		}
	}
	return f.issue(transport.Reply{LogIndex: index}, err), nil
}

// PutBlock implements transport.Client. A successful reply carries the
// block id stamped with the assigned log index as its commit sequence.
func (f *Fake) PutBlock(ctx context.Context, block types.BlockData, requestID string) (*transport.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("transporttest: session is closed")
	}

	index := f.assignIndex()
	f.putBlocks = append(f.putBlocks, PutBlockCall{
		Block:     block,
		RequestID: requestID,
		LogIndex:  index,
	})

	err := f.putBlockErrs[len(f.putBlocks)]
	committed := block.BlockID
	committed.CommitSequence = index
	return f.issue(transport.Reply{LogIndex: index, CommittedBlock: committed}, err), nil
}

// WatchForCommit implements transport.Client. Without a stub it
// confirms the watched index and advances the committed index to it.
func (f *Fake) WatchForCommit(ctx context.Context, index uint64, timeout time.Duration) (*transport.CommitResult, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("transporttest: session is closed")
	}
	f.watches = append(f.watches, WatchCall{Index: index, Timeout: timeout})

	if len(f.watchStubs) > 0 {
		stub := f.watchStubs[0]
		f.watchStubs = f.watchStubs[1:]
		f.mu.Unlock()
		if stub.block {
			if r := clock.Sleep(ctx, timeout); r.Incomplete() {
				return nil, r.Err
			}
		}
		if stub.err != nil {
			return nil, stub.err
		}
		f.mu.Lock()
		if stub.result.LogIndex > f.commitIndex {
			f.commitIndex = stub.result.LogIndex
		}
		f.mu.Unlock()
		return stub.result, nil
	}

	if index > f.commitIndex {
		f.commitIndex = index
	}
	lagging := slices.Clone(f.lagging)
	f.mu.Unlock()
	return &transport.CommitResult{LogIndex: index, FailedReplicas: lagging}, nil
}

// ReplicatedMinCommitIndex implements transport.Client.
func (f *Fake) ReplicatedMinCommitIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

// Close implements transport.Client. Held calls resolve with an error.
func (f *Fake) Close() {
	f.mu.Lock()
	f.closed = true
	held := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, op := range held {
		op.call.Resolve(transport.Reply{}, errors.New("transporttest: session is closed"))
	}
}

var _ transport.Client = (*Fake)(nil)

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

// Package transport defines the contract between the block writer core
// and the RPC layer that ships chunk and block-commit requests to a
// replica set.
//
// Implementations own connection management, wire serialization and
// the consensus protocol; the writer core only issues calls and
// observes their outcomes.
package transport

import (
	"context"
	"fmt"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/common/types"
)

// ErrWatchTimeout is returned by WatchForCommit when the replica set
// did not confirm the watched log index within the deadline.
var ErrWatchTimeout = errors.New("transport: commit watch timed out")

// Client is one session against a replica set.
//
// WriteChunk and PutBlock are asynchronous: they return once the
// request is issued, and the returned Call resolves exactly once when
// the replica set responds. WatchForCommit blocks.
type Client interface {
	// WriteChunk ships one chunk payload to the replica set.
	WriteChunk(ctx context.Context, chunk types.ChunkInfo, block types.BlockID, data []byte, requestID string) (*Call, error)

	// PutBlock submits the block's complete chunk list as its
	// authoritative metadata. The resolved Reply carries the log index
	// assigned to the operation and the block's updated commit state.
	PutBlock(ctx context.Context, block types.BlockData, requestID string) (*Call, error)

	// WatchForCommit blocks until the replica set has quorum-committed
	// its log up to at least index, or the timeout elapses. On success
	// the result reports the confirmed index and any replicas that had
	// not yet acknowledged it. On timeout the returned error unwraps to
	// ErrWatchTimeout.
	WatchForCommit(ctx context.Context, index uint64, timeout time.Duration) (*CommitResult, error)

	// ReplicatedMinCommitIndex returns the highest log index known,
	// from session state alone, to be committed on a quorum. It is the
	// best available confirmation on exception-recovery paths.
	ReplicatedMinCommitIndex() uint64

	// Close releases the session. Every outstanding Call must still
	// resolve, with an error if its request was abandoned.
	Close()
}

// Reply is the resolved value of a Call.
type Reply struct {
	// LogIndex is the position the replica set's consensus log assigned
	// to this operation. Zero for standalone (no-consensus) pipelines.
	LogIndex uint64

	// CommittedBlock is the block's updated commit state. Put-block
	// replies only.
	CommittedBlock types.BlockID
}

// CommitResult is the outcome of a successful WatchForCommit.
type CommitResult struct {
	// LogIndex is the index the replica set confirmed as
	// quorum-committed. It may exceed the watched index.
	LogIndex uint64

	// FailedReplicas lists replicas that had not acknowledged the
	// confirmed index when the watch resolved.
	FailedReplicas []types.ReplicaID
}

// Call is a one-shot future for an in-flight asynchronous request.
// It is resolved exactly once by the transport and consumed by one
// waiter.
type Call struct {
	done  chan struct{}
	reply Reply
	err   error
}

// NewCall returns an unresolved Call. Transport implementations
// resolve it with Resolve.
func NewCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Resolve completes the call. Resolving an already-resolved Call is a
// programming error and panics.
func (c *Call) Resolve(reply Reply, err error) {
	select {
	case <-c.done:
		panic("transport: Call resolved twice")
	default:
	}
	c.reply = reply
	c.err = err
	close(c.done)
}

// Done returns a channel closed when the call has resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the call's outcome. It must only be called after
// Done is closed.
func (c *Call) Result() (Reply, error) {
	select {
	case <-c.done:
	default:
		panic("transport: Result read before Call resolved")
	}
	return c.reply, c.err
}

// WriteChunkRequestID derives the request id for a chunk write. Ids
// are unique per stream by construction: the chunk name embeds the
// stream's unique id and chunk index.
func WriteChunkRequestID(traceID string, chunkIndex int, chunkName string) string {
	return fmt.Sprintf("%s-WriteChunk-%d-%s", traceID, chunkIndex, chunkName)
}

// PutBlockRequestID derives the request id for a put-block call.
func PutBlockRequestID(traceID string, chunkIndex int, block types.BlockID) string {
	return fmt.Sprintf("%s-PutBlock-%d-%s", traceID, chunkIndex, block)
}

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
	"bytes"
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/quorumstor/quorumstor/common/bufferpool"
	"github.com/quorumstor/quorumstor/common/types"
	"github.com/quorumstor/quorumstor/transport"
	"github.com/quorumstor/quorumstor/transport/transporttest"
)

func TestStickyFailure(t *testing.T) {
	t.Parallel()

	ftt.Run(`With a writer whose transport will fail`, t, func(t *ftt.Test) {
		ctx := context.Background()
		fake := transporttest.New()

		t.Run(`a failed chunk write poisons the stream`, func(t *ftt.Test) {
			w, err := New(ctx, fake, nil, testOpts())
			assert.Loosely(t, err, should.BeNil)
			defer w.Cleanup(false)

			// Fill the buffer once so the resulting commit watch gets the
			// first flush quorum-committed: acknowledgment then has
			// something to hold on to when the failure lands.
			_, err = w.Write(bytes.Repeat([]byte("a"), 16))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, w.TotalAckDataLength(), should.Equal(8))
			ackedBefore := w.TotalAckDataLength()

			// The next chunk stays inside the current flush window, so
			// the write completes and the failure lands asynchronously.
			fake.FailChunkWrite(5, errors.New("replica rejected chunk"))
			_, err = w.Write(bytes.Repeat([]byte("b"), 4))
			assert.Loosely(t, err, should.BeNil)
			w.settle()

			calls := len(fake.ChunkWrites())
			n, err := w.Write([]byte("c"))
			assert.Loosely(t, err, should.ErrLike("replica rejected chunk"))
			assert.Loosely(t, n, should.BeZero)

			// Failing fast means no new transport traffic.
			assert.Loosely(t, fake.ChunkWrites(), should.HaveLength(calls))

			// Acknowledgment still reflects what the session proved
			// committed before the failure.
			assert.Loosely(t, w.TotalAckDataLength(), should.Equal(ackedBefore))

			t.Run(`and the first failure wins over later operations`, func(t *ftt.Test) {
				assert.Loosely(t, w.Flush(), should.ErrLike("replica rejected chunk"))
				assert.Loosely(t, w.Close(), should.ErrLike("replica rejected chunk"))
			})
		})

		t.Run(`a failed put-block surfaces on the next flush`, func(t *ftt.Test) {
			opts := testOpts()
			opts.FlushGranularity = 4
			opts.MaxBufferedBytes = 8
			w, err := New(ctx, fake, nil, opts)
			assert.Loosely(t, err, should.BeNil)
			defer w.Cleanup(false)

			fake.FailPutBlock(1, errors.New("not the leader"))
			_, err = w.Write(bytes.Repeat([]byte("a"), 4))
			assert.Loosely(t, err, should.BeNil)

			// Flush waits out the in-flight put-block, then reports it.
			assert.Loosely(t, w.Flush(), should.ErrLike("not the leader"))
			assert.Loosely(t, w.TotalAckDataLength(), should.BeZero)

			t.Run(`and close reports it too, then releases the session`, func(t *ftt.Test) {
				assert.Loosely(t, w.Close(), should.ErrLike("not the leader"))
				assert.Loosely(t, fake.Closed(), should.BeTrue)

				_, err := w.Write([]byte("x"))
				assert.Loosely(t, err, should.Equal(ErrClosedStream))
			})
		})
	})
}

func TestWatchTimeout(t *testing.T) {
	t.Parallel()

	ftt.Run(`With a replica set that never reaches quorum`, t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })

		fake := transporttest.New()
		fake.StubWatchTimeout()

		pool := bufferpool.New(1, 4)
		opts := testOpts()
		opts.FlushGranularity = 4
		opts.MaxBufferedBytes = 4
		w, err := New(ctx, fake, pool, opts)
		assert.Loosely(t, err, should.BeNil)
		defer w.Cleanup(false)

		t.Run(`the watch deadline becomes the sticky failure`, func(t *ftt.Test) {
			// One chunk fills the buffer, so the write itself must wait
			// on the commit watch.
			_, err := w.Write([]byte("abcd"))
			assert.Loosely(t, errors.Is(err, transport.ErrWatchTimeout), should.BeTrue)

			// Nothing was proven committed, so nothing was released.
			assert.Loosely(t, w.TotalAckDataLength(), should.BeZero)
			assert.Loosely(t, pool.Len(), should.Equal(1))
			assert.Loosely(t, w.WrittenDataLength(), should.Equal(4))
		})

		t.Run(`buffers reconcile against the proven commit index`, func(t *ftt.Test) {
			// The session knows a commit index even though the watch
			// timed out; that data does not need to be resent.
			fake.SetCommitIndex(100)
			_, err := w.Write([]byte("abcd"))
			assert.Loosely(t, errors.Is(err, transport.ErrWatchTimeout), should.BeTrue)

			assert.Loosely(t, w.TotalAckDataLength(), should.Equal(4))
			assert.Loosely(t, pool.Len(), should.BeZero)
		})
	})
}

func TestLaggingReplica(t *testing.T) {
	t.Parallel()

	ftt.Run(`With one replica lagging behind quorum`, t, func(t *ftt.Test) {
		ctx := context.Background()
		fake := transporttest.New()
		fake.SetLagging(types.ReplicaID("replica-2"))

		pool := bufferpool.New(1, 4)
		opts := testOpts()
		opts.FlushGranularity = 4
		opts.MaxBufferedBytes = 4
		w, err := New(ctx, fake, pool, opts)
		assert.Loosely(t, err, should.BeNil)
		defer w.Cleanup(false)

		t.Run(`quorum progress still drains the commit tracker`, func(t *ftt.Test) {
			_, err := w.Write([]byte("abcd"))
			assert.Loosely(t, err, should.BeNil)

			assert.Loosely(t, w.TotalAckDataLength(), should.Equal(4))
			assert.Loosely(t, pool.Len(), should.BeZero)
			assert.Loosely(t, w.FailedReplicas(), should.Match([]types.ReplicaID{"replica-2"}))

			w.mu.Lock()
			pending := w.tracker.len()
			w.mu.Unlock()
			assert.Loosely(t, pending, should.BeZero)
		})
	})
}

func TestCommitOrderInvariant(t *testing.T) {
	t.Parallel()

	ftt.Run(`Out-of-order commit entries are fatal`, t, func(t *ftt.Test) {
		ctx := context.Background()
		w, err := New(ctx, transporttest.New(), nil, testOpts())
		assert.Loosely(t, err, should.BeNil)
		defer w.Cleanup(false)

		w.acked = 8
		assert.Loosely(t, func() {
			w.updateFlushIndexLocked([]commitEntry{{logIndex: 1, flushPos: 4}})
		}, should.PanicLikeString("commit entries removed out of order"))
	})
}

func TestHeldCompletions(t *testing.T) {
	t.Parallel()

	ftt.Run(`With completions held by the transport`, t, func(t *ftt.Test) {
		ctx := context.Background()
		fake := transporttest.New()
		w, err := New(ctx, fake, nil, testOpts())
		assert.Loosely(t, err, should.BeNil)
		defer w.Cleanup(false)

		t.Run(`bookkeeping only moves when completions are applied`, func(t *ftt.Test) {
			fake.HoldCompletions()
			_, err := w.Write(bytes.Repeat([]byte("a"), 8))
			assert.Loosely(t, err, should.BeNil)

			// The put-block was issued but its response is in flight.
			assert.Loosely(t, fake.PutBlocks(), should.HaveLength(1))
			assert.Loosely(t, w.BlockID().CommitSequence, should.BeZero)

			fake.ResolveAll()
			assert.Loosely(t, w.Flush(), should.BeNil)
			assert.Loosely(t, w.BlockID().CommitSequence, should.Equal(fake.PutBlocks()[0].LogIndex))
		})
	})
}

func TestWriteOnRetry(t *testing.T) {
	t.Parallel()

	ftt.Run(`With a failed session whose pool still holds the data`, t, func(t *ftt.Test) {
		ctx := context.Background()
		pool := bufferpool.New(4, 4)

		first := transporttest.New()
		first.FailPutBlock(1, errors.New("pipeline torn down"))
		w1, err := New(ctx, first, pool, testOpts())
		assert.Loosely(t, err, should.BeNil)

		_, err = w1.Write([]byte("abcdefghij"))
		assert.Loosely(t, err, should.BeNil)
		w1.settle()
		assert.Loosely(t, w1.Flush(), should.ErrLike("pipeline torn down"))

		resend := w1.WrittenDataLength() - w1.TotalAckDataLength()
		assert.Loosely(t, resend, should.Equal(10))
		w1.Cleanup(true)
		assert.Loosely(t, first.Closed(), should.BeTrue)

		t.Run(`a fresh writer replays the resident bytes`, func(t *ftt.Test) {
			second := transporttest.New()
			w2, err := New(ctx, second, pool, testOpts())
			assert.Loosely(t, err, should.BeNil)
			defer w2.Cleanup(false)

			assert.Loosely(t, w2.WriteOnRetry(resend), should.BeNil)

			chunks := second.ChunkWrites()
			assert.Loosely(t, chunks, should.HaveLength(3))
			assert.Loosely(t, bytes.Equal(chunks[0].Data, []byte("abcd")), should.BeTrue)
			assert.Loosely(t, bytes.Equal(chunks[1].Data, []byte("efgh")), should.BeTrue)
			assert.Loosely(t, bytes.Equal(chunks[2].Data, []byte("ij")), should.BeTrue)

			// The replay carries the new session's stream id, so its
			// chunk names cannot collide with the failed session's.
			old := map[string]struct{}{}
			for _, c := range first.ChunkWrites() {
				old[c.Chunk.Name] = struct{}{}
			}
			for _, c := range chunks {
				_, clash := old[c.Chunk.Name]
				assert.Loosely(t, clash, should.BeFalse)
			}

			t.Run(`and the stream finishes cleanly`, func(t *ftt.Test) {
				assert.Loosely(t, w2.Flush(), should.BeNil)

				// The trailing partial was sealed during the replay, so
				// the flush did not ship it twice.
				assert.Loosely(t, second.ChunkWrites(), should.HaveLength(3))
				puts := second.PutBlocks()
				assert.Loosely(t, puts, should.HaveLength(2))
				assert.Loosely(t, puts[1].Block.Chunks, should.HaveLength(3))

				assert.Loosely(t, w2.Close(), should.BeNil)
				assert.Loosely(t, w2.TotalAckDataLength(), should.Equal(10))
				assert.Loosely(t, pool.Len(), should.BeZero)
			})
		})

		t.Run(`a mid-pool sealed partial replays as its own chunk`, func(t *ftt.Test) {
			pool := bufferpool.New(4, 4)
			mid := transporttest.New()
			mid.FailPutBlock(2, errors.New("pipeline torn down"))
			w1, err := New(ctx, mid, pool, testOpts())
			assert.Loosely(t, err, should.BeNil)

			_, err = w1.Write([]byte("abcde"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, w1.Flush(), should.BeNil)

			// The next writes fill the pool; the failed put-block
			// surfaces while the write waits for room.
			_, err = w1.Write([]byte("fghijklm"))
			assert.Loosely(t, err, should.ErrLike("pipeline torn down"))

			resend := w1.WrittenDataLength() - w1.TotalAckDataLength()
			assert.Loosely(t, resend, should.Equal(13))
			w1.Cleanup(true)

			second := transporttest.New()
			w2, err := New(ctx, second, pool, testOpts())
			assert.Loosely(t, err, should.BeNil)
			defer w2.Cleanup(false)

			assert.Loosely(t, w2.WriteOnRetry(resend), should.BeNil)

			// The one-byte segment sealed by the mid-stream flush ships
			// whole, and the flush boundary lands where that segment run
			// ends rather than on a granularity multiple.
			chunks := second.ChunkWrites()
			assert.Loosely(t, chunks, should.HaveLength(4))
			assert.Loosely(t, bytes.Equal(chunks[1].Data, []byte("e")), should.BeTrue)
			assert.Loosely(t, w2.TotalDataFlushedLength(), should.Equal(9))

			assert.Loosely(t, w2.Close(), should.BeNil)
			assert.Loosely(t, w2.TotalAckDataLength(), should.Equal(13))
			assert.Loosely(t, pool.Len(), should.BeZero)
		})

		t.Run(`a replay longer than the buffer is rejected`, func(t *ftt.Test) {
			second := transporttest.New()
			w2, err := New(ctx, second, pool, testOpts())
			assert.Loosely(t, err, should.BeNil)
			defer w2.Cleanup(false)

			err = w2.WriteOnRetry(testOpts().MaxBufferedBytes + 1)
			assert.Loosely(t, err, should.ErrLike("exceeds the 16 buffered-byte maximum"))
		})
	})
}

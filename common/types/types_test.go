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

package types

import (
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestBlockID(t *testing.T) {
	t.Parallel()

	ftt.Run(`SameBlock ignores the commit sequence`, t, func(t *ftt.Test) {
		a := BlockID{ContainerID: 7, LocalID: 42}
		b := a
		b.CommitSequence = 9
		assert.Loosely(t, a.SameBlock(b), should.BeTrue)
		b.LocalID = 43
		assert.Loosely(t, a.SameBlock(b), should.BeFalse)
		assert.Loosely(t, a.String(), should.Equal("7/42@0"))
	})
}

func TestChunkInfo(t *testing.T) {
	t.Parallel()

	ftt.Run(`Validate`, t, func(t *ftt.Test) {
		chunk := ChunkInfo{Name: "c", Index: 1, Len: 10}
		assert.Loosely(t, chunk.Validate(), should.BeNil)

		t.Run(`rejects a nonzero offset`, func(t *ftt.Test) {
			chunk.Offset = 5
			assert.Loosely(t, chunk.Validate(), should.ErrLike("nonzero offset"))
		})
		t.Run(`rejects a missing name`, func(t *ftt.Test) {
			chunk.Name = ""
			assert.Loosely(t, chunk.Validate(), should.ErrLike("no name"))
		})
		t.Run(`rejects a zero length`, func(t *ftt.Test) {
			chunk.Len = 0
			assert.Loosely(t, chunk.Validate(), should.ErrLike("length 0"))
		})
	})
}

func TestBlockDataSnapshot(t *testing.T) {
	t.Parallel()

	ftt.Run(`Snapshot re-sorts chunks by index`, t, func(t *ftt.Test) {
		bd := BlockData{
			BlockID: BlockID{ContainerID: 1, LocalID: 2},
			Chunks: []ChunkInfo{
				{Name: "c3", Index: 3, Len: 1},
				{Name: "c1", Index: 1, Len: 1},
				{Name: "c2", Index: 2, Len: 1},
			},
		}
		s := bd.Snapshot()
		assert.Loosely(t, s.Chunks[0].Name, should.Equal("c1"))
		assert.Loosely(t, s.Chunks[1].Name, should.Equal("c2"))
		assert.Loosely(t, s.Chunks[2].Name, should.Equal("c3"))

		// The snapshot is detached from the source.
		s.Chunks[0].Name = "mutated"
		assert.Loosely(t, bd.Chunks[1].Name, should.Equal("c1"))
	})
}

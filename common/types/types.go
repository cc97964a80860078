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

// Package types defines the value types shared between the block writer
// core and its transport: block and chunk identity, block metadata, and
// replica identity.
package types

import (
	"fmt"
	"slices"

	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/common/checksum"
)

// ReplicaID identifies a single storage node within a replica set.
type ReplicaID string

// BlockID identifies a block within a container, together with the
// block commit sequence observed from the replica set.
//
// CommitSequence is the replica set's authority on the block's latest
// committed state; every successful put-block response replaces it.
type BlockID struct {
	ContainerID uint64
	LocalID     uint64

	// CommitSequence is the block commit sequence id assigned by the
	// replica set's consensus log. Zero until the first put-block
	// round-trips.
	CommitSequence uint64
}

// SameBlock reports whether two BlockIDs name the same block,
// disregarding the commit sequence.
func (b BlockID) SameBlock(o BlockID) bool {
	return b.ContainerID == o.ContainerID && b.LocalID == o.LocalID
}

func (b BlockID) String() string {
	return fmt.Sprintf("%d/%d@%d", b.ContainerID, b.LocalID, b.CommitSequence)
}

// ChunkInfo describes one independently-addressed chunk of a block.
//
// A ChunkInfo is immutable once built. Offset is always zero: chunks
// are whole write units, never byte ranges appended to a larger blob.
type ChunkInfo struct {
	// Name is derived from the block's logical key, the stream's unique
	// id and the 1-based chunk index. Names within one stream are
	// pairwise distinct by construction.
	Name string

	// Index is the 1-based chunk index within the stream.
	Index int

	Offset int64
	Len    int64

	Checksum checksum.Data
}

// Validate returns an error if the ChunkInfo is not well-formed.
func (c *ChunkInfo) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("chunk has no name")
	case c.Index <= 0:
		return errors.Fmt("chunk %q: index %d is not positive", c.Name, c.Index)
	case c.Offset != 0:
		return errors.Fmt("chunk %q: nonzero offset %d", c.Name, c.Offset)
	case c.Len <= 0:
		return errors.Fmt("chunk %q: length %d is not positive", c.Name, c.Len)
	}
	return nil
}

// BlockData is the authoritative metadata for a block: its identity,
// free-form metadata pairs and the full ordered chunk list.
//
// A BlockData snapshot is sent in full on every put-block call, so a
// reader always observes either the previous complete chunk list or
// the new one, never a partial interleaving.
type BlockData struct {
	BlockID  BlockID
	Metadata []KeyValue
	Chunks   []ChunkInfo
}

// KeyValue is one block metadata pair.
type KeyValue struct {
	Key   string
	Value string
}

// Snapshot returns a deep enough copy of the BlockData for handing to
// an async transport call, with chunks re-sorted by chunk index so the
// serialized metadata is deterministic regardless of the order chunk
// writes completed.
func (b *BlockData) Snapshot() BlockData {
	s := BlockData{
		BlockID:  b.BlockID,
		Metadata: slices.Clone(b.Metadata),
		Chunks:   slices.Clone(b.Chunks),
	}
	slices.SortFunc(s.Chunks, func(a, b ChunkInfo) int { return a.Index - b.Index })
	return s
}

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
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/common/checksum"
	"github.com/quorumstor/quorumstor/common/types"
)

const (
	// DefaultChunkSize is the default size of one physical chunk.
	DefaultChunkSize = 1 << 20

	// DefaultFlushGranularity is the default number of bytes covered by
	// one put-block call.
	DefaultFlushGranularity = 4 << 20

	// DefaultMaxBufferedBytes is the default cap on buffered,
	// unacknowledged bytes.
	DefaultMaxBufferedBytes = 16 << 20

	// DefaultWatchTimeout is the default quorum watch deadline.
	DefaultWatchTimeout = 30 * time.Second

	// DefaultBytesPerChecksum is the default checksum window size.
	DefaultBytesPerChecksum = 256 << 10
)

// Options configures one Writer instance. All values are fixed for the
// life of the stream.
type Options struct {
	// BlockID identifies the block being written.
	BlockID types.BlockID

	// Key is the logical key the block belongs to. Chunk names are
	// derived from a stable hash of it.
	Key string

	// TraceID is folded into every request id, for correlation.
	TraceID string

	// ChunkSize is the size in bytes of one physical chunk. If zero,
	// DefaultChunkSize is used.
	ChunkSize int

	// FlushGranularity is the number of bytes per put-block call. It
	// must be an integer multiple of ChunkSize. If zero,
	// DefaultFlushGranularity is used.
	FlushGranularity int64

	// MaxBufferedBytes caps buffered-but-unacknowledged bytes; a write
	// that would exceed it blocks until enough data is acknowledged. It
	// must be an integer multiple of FlushGranularity. If zero,
	// DefaultMaxBufferedBytes is used.
	MaxBufferedBytes int64

	// WatchTimeout bounds each quorum commit watch. If zero,
	// DefaultWatchTimeout is used.
	WatchTimeout time.Duration

	// Checksum selects the chunk checksum algorithm. If empty,
	// checksum.CRC32C is used.
	Checksum checksum.Algorithm

	// BytesPerChecksum is the checksum window size. If zero,
	// DefaultBytesPerChecksum is used.
	BytesPerChecksum int
}

func (o *Options) normalize() {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.FlushGranularity == 0 {
		o.FlushGranularity = DefaultFlushGranularity
	}
	if o.MaxBufferedBytes == 0 {
		o.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if o.WatchTimeout == 0 {
		o.WatchTimeout = DefaultWatchTimeout
	}
	if o.Checksum == "" {
		o.Checksum = checksum.CRC32C
	}
	if o.BytesPerChecksum == 0 {
		o.BytesPerChecksum = DefaultBytesPerChecksum
	}
}

// Validate returns an error if the Options cannot configure a Writer.
func (o *Options) Validate() error {
	switch {
	case o.Key == "":
		return errors.New("a block Key must be supplied")
	case o.ChunkSize <= 0:
		return errors.Fmt("ChunkSize must be positive, got %d", o.ChunkSize)
	case o.FlushGranularity <= 0:
		return errors.Fmt("FlushGranularity must be positive, got %d", o.FlushGranularity)
	case o.FlushGranularity%int64(o.ChunkSize) != 0:
		return errors.Fmt("FlushGranularity %d is not a multiple of ChunkSize %d",
			o.FlushGranularity, o.ChunkSize)
	case o.MaxBufferedBytes%o.FlushGranularity != 0:
		return errors.Fmt("MaxBufferedBytes %d is not a multiple of FlushGranularity %d",
			o.MaxBufferedBytes, o.FlushGranularity)
	case o.WatchTimeout <= 0:
		return errors.Fmt("WatchTimeout must be positive, got %s", o.WatchTimeout)
	}
	if err := o.Checksum.Validate(); err != nil {
		return errors.Fmt("Checksum: %w", err)
	}
	if o.Checksum != checksum.None && o.BytesPerChecksum <= 0 {
		return errors.Fmt("BytesPerChecksum must be positive, got %d", o.BytesPerChecksum)
	}
	return nil
}

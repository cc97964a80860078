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

// Package checksum computes and verifies per-window digests over chunk
// payloads for end-to-end verification between the client write path
// and the storage replicas.
//
// A chunk's payload is split into fixed-size windows (BytesPerWindow)
// and each window is digested independently, so a reader can verify a
// partial range of a chunk without hashing the whole payload.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"hash/crc32"

	"github.com/zeebo/xxh3"

	"go.chromium.org/luci/common/errors"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	// None disables checksumming; Compute returns an empty Data.
	None Algorithm = "none"
	// CRC32 is the IEEE CRC-32 polynomial.
	CRC32 Algorithm = "crc32"
	// CRC32C is the Castagnoli CRC-32 polynomial.
	CRC32C Algorithm = "crc32c"
	// SHA256 is the SHA-2 256-bit digest.
	SHA256 Algorithm = "sha256"
	// XXH3 is the 64-bit xxh3 digest.
	XXH3 Algorithm = "xxh3"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (a Algorithm) newHash() (func() hash.Hash, error) {
	switch a {
	case CRC32:
		return func() hash.Hash { return crc32.NewIEEE() }, nil
	case CRC32C:
		return func() hash.Hash { return crc32.New(castagnoli) }, nil
	case SHA256:
		return func() hash.Hash { return sha256.New() }, nil
	case XXH3:
		return func() hash.Hash { return xxh3.New() }, nil
	default:
		return nil, errors.Fmt("unknown checksum algorithm %q", string(a))
	}
}

// Validate returns an error if the Algorithm is not a known value.
func (a Algorithm) Validate() error {
	if a == None {
		return nil
	}
	_, err := a.newHash()
	return err
}

// Data holds the digests of one chunk payload.
type Data struct {
	Algorithm      Algorithm
	BytesPerWindow int

	// Digests holds one digest per BytesPerWindow window, in payload
	// order. The final window may cover fewer bytes.
	Digests [][]byte
}

// Checksum computes Data values for a fixed algorithm and window size.
type Checksum struct {
	algorithm Algorithm
	window    int
	newHash   func() hash.Hash
}

// New returns a Checksum for the given algorithm and window size.
func New(a Algorithm, bytesPerWindow int) (*Checksum, error) {
	if bytesPerWindow <= 0 && a != None {
		return nil, errors.Fmt("bytes per checksum window must be positive, got %d", bytesPerWindow)
	}
	c := &Checksum{algorithm: a, window: bytesPerWindow}
	if a != None {
		var err error
		if c.newHash, err = a.newHash(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Compute digests data window by window.
func (c *Checksum) Compute(data []byte) (Data, error) {
	d := Data{Algorithm: c.algorithm, BytesPerWindow: c.window}
	if c.algorithm == None {
		return d, nil
	}
	for off := 0; off < len(data); off += c.window {
		end := min(off+c.window, len(data))
		h := c.newHash()
		if _, err := h.Write(data[off:end]); err != nil {
			return Data{}, errors.Fmt("computing %s digest: %w", string(c.algorithm), err)
		}
		d.Digests = append(d.Digests, h.Sum(nil))
	}
	return d, nil
}

// Verify recomputes digests over data and compares them to want.
//
// A None algorithm always verifies. Any mismatch, including a window
// count mismatch, is an error.
func Verify(data []byte, want Data) error {
	if want.Algorithm == None {
		return nil
	}
	c, err := New(want.Algorithm, want.BytesPerWindow)
	if err != nil {
		return err
	}
	got, err := c.Compute(data)
	if err != nil {
		return err
	}
	if len(got.Digests) != len(want.Digests) {
		return errors.Fmt("checksum mismatch: have %d windows, want %d", len(got.Digests), len(want.Digests))
	}
	for i, dg := range got.Digests {
		if !bytes.Equal(dg, want.Digests[i]) {
			return errors.Fmt("checksum mismatch in window %d of %d", i, len(got.Digests))
		}
	}
	return nil
}

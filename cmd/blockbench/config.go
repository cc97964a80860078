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

package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.chromium.org/luci/common/errors"

	"github.com/quorumstor/quorumstor/client/blockwriter"
	"github.com/quorumstor/quorumstor/common/checksum"
)

type config struct {
	Bench  benchConfig  `mapstructure:"bench"`
	Stream streamConfig `mapstructure:"stream"`
}

type benchConfig struct {
	// Streams is the number of concurrent block streams to write.
	Streams int `mapstructure:"streams"`
	// DataMiB is the number of mebibytes written per stream.
	DataMiB int `mapstructure:"data_mib"`
	// Seed seeds the payload generator, for reproducible runs.
	Seed uint64 `mapstructure:"seed"`
}

type streamConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	FlushGranularity int64         `mapstructure:"flush_granularity"`
	MaxBufferedBytes int64         `mapstructure:"max_buffered_bytes"`
	WatchTimeout     time.Duration `mapstructure:"watch_timeout"`
	Checksum         string        `mapstructure:"checksum"`
	BytesPerChecksum int           `mapstructure:"bytes_per_checksum"`
}

func loadConfig(path string) (config, error) {
	v := viper.New()
	v.SetEnvPrefix("blockbench")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bench.streams", 4)
	v.SetDefault("bench.data_mib", 64)
	v.SetDefault("bench.seed", 1)
	v.SetDefault("stream.chunk_size", blockwriter.DefaultChunkSize)
	v.SetDefault("stream.flush_granularity", blockwriter.DefaultFlushGranularity)
	v.SetDefault("stream.max_buffered_bytes", blockwriter.DefaultMaxBufferedBytes)
	v.SetDefault("stream.watch_timeout", blockwriter.DefaultWatchTimeout)
	v.SetDefault("stream.checksum", string(checksum.CRC32C))
	v.SetDefault("stream.bytes_per_checksum", blockwriter.DefaultBytesPerChecksum)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, errors.Fmt("reading config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, errors.Fmt("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.Bench.Streams <= 0 {
		return errors.Fmt("bench.streams must be positive, got %d", c.Bench.Streams)
	}
	if c.Bench.DataMiB <= 0 {
		return errors.Fmt("bench.data_mib must be positive, got %d", c.Bench.DataMiB)
	}
	opts := c.writerOptions(0)
	return opts.Validate()
}

// writerOptions builds the per-stream writer Options for the i'th
// bench stream.
func (c *config) writerOptions(i int) blockwriter.Options {
	opts := blockwriter.Options{
		Key:              "blockbench",
		TraceID:          "blockbench",
		ChunkSize:        c.Stream.ChunkSize,
		FlushGranularity: c.Stream.FlushGranularity,
		MaxBufferedBytes: c.Stream.MaxBufferedBytes,
		WatchTimeout:     c.Stream.WatchTimeout,
		Checksum:         checksum.Algorithm(c.Stream.Checksum),
		BytesPerChecksum: c.Stream.BytesPerChecksum,
	}
	opts.BlockID.ContainerID = 1
	opts.BlockID.LocalID = uint64(i + 1)
	return opts
}

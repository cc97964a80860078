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

// Command blockbench exercises the block writer against an in-memory
// replica set and reports write throughput.
//
// It is a correctness smoke test as much as a benchmark: every stream
// checks, after close, that the bytes acknowledged by the simulated
// replica set match the bytes written.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	log "go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/quorumstor/quorumstor/client/blockwriter"
	"github.com/quorumstor/quorumstor/transport/transporttest"
)

const writeSize = 64 << 10

func main() {
	cfgPath := flag.String("config", "", "path to an optional config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	ctx := gologger.StdConfig.Use(context.Background())
	level := log.Info
	if *verbose {
		level = log.Debug
	}
	ctx = log.SetLevel(ctx, level)

	if err := mainImpl(ctx, *cfgPath); err != nil {
		log.WithError(err).Errorf(ctx, "blockbench failed")
		os.Exit(1)
	}
}

func mainImpl(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	log.Fields{
		"streams": cfg.Bench.Streams,
		"dataMiB": cfg.Bench.DataMiB,
	}.Infof(ctx, "starting bench")

	start := clock.Now(ctx)
	eg, ectx := errgroup.WithContext(ctx)
	for i := range cfg.Bench.Streams {
		eg.Go(func() error {
			return runStream(ectx, cfg, i)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	elapsed := clock.Since(ctx, start)
	totalMiB := cfg.Bench.Streams * cfg.Bench.DataMiB
	log.Fields{
		"MiB":     totalMiB,
		"elapsed": elapsed,
		"MiBps":   fmt.Sprintf("%.1f", float64(totalMiB)/elapsed.Seconds()),
	}.Infof(ctx, "bench complete")
	return nil
}

func runStream(ctx context.Context, cfg config, i int) error {
	fake := transporttest.New()
	w, err := blockwriter.New(ctx, fake, nil, cfg.writerOptions(i))
	if err != nil {
		return err
	}
	defer w.Cleanup(false)

	src := rand.NewChaCha8(seedFor(cfg.Bench.Seed, i))
	buf := make([]byte, writeSize)
	remaining := int64(cfg.Bench.DataMiB) << 20
	for remaining > 0 {
		n := min(int64(len(buf)), remaining)
		src.Read(buf[:n])
		if _, err := w.Write(buf[:n]); err != nil {
			return errors.Fmt("stream %d: %w", i, err)
		}
		remaining -= n
	}
	if err := w.Close(); err != nil {
		return errors.Fmt("stream %d: closing: %w", i, err)
	}

	if acked, written := w.TotalAckDataLength(), w.WrittenDataLength(); acked != written {
		return errors.Fmt("stream %d: %d of %d bytes acknowledged after close", i, acked, written)
	}
	log.Fields{
		"stream":  i,
		"block":   w.BlockID(),
		"chunks":  len(fake.ChunkWrites()),
		"flushes": len(fake.PutBlocks()),
	}.Debugf(ctx, "stream complete")
	return nil
}

func seedFor(seed uint64, stream int) [32]byte {
	var s [32]byte
	r := rand.NewPCG(seed, uint64(stream))
	for i := 0; i < len(s); i += 8 {
		v := r.Uint64()
		for j := range 8 {
			s[i+j] = byte(v >> (8 * j))
		}
	}
	return s
}

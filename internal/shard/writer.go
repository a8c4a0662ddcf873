// Package shard routes training units to parallel output files.
package shard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessgraph/traingen/internal/record"
)

// ErrClosed is returned by Write after Shutdown.
var ErrClosed = errors.New("shard writer closed")

// Writer receives units of records. A unit is one record or one block and
// is written atomically to a single shard.
type Writer interface {
	Write(shard int, minLegalProb float32, unit ...record.Record) error
	NumPositionsWritten() int64
	NumPositionsRejectedByPostprocessor() int64
	Shutdown() error
}

// Postprocessor may veto a unit before it is written by returning false.
// It may modify the records in place.
type Postprocessor func(unit []record.Record) bool

// Config configures a FileWriter.
type Config struct {
	Base          string // shard i is written to <Base>.<i>.trec[ext]
	NumShards     int
	Compression   Compression
	Postprocessor Postprocessor
	Logger        zerolog.Logger
}

type shardFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	bw   *bufio.Writer
	cw   io.WriteCloser
	buf  []byte
}

// FileWriter writes units to N compressed shard files.
type FileWriter struct {
	cfg    Config
	log    zerolog.Logger
	shards []*shardFile

	written  int64 // atomic
	rejected int64 // atomic

	closed       int32 // atomic
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter creates the shard files.
func NewFileWriter(cfg Config) (*FileWriter, error) {
	if cfg.Base == "" {
		return nil, fmt.Errorf("shard base path required")
	}
	if cfg.NumShards < 1 {
		cfg.NumShards = 1
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionZstd
	}
	if dir := filepath.Dir(cfg.Base); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	w := &FileWriter{cfg: cfg, log: cfg.Logger}
	for i := 0; i < cfg.NumShards; i++ {
		s, err := openShard(ShardPath(cfg.Base, i, cfg.Compression), cfg.Compression)
		if err != nil {
			w.closeAll()
			return nil, err
		}
		w.shards = append(w.shards, s)
	}
	w.log.Info().Str("base", cfg.Base).Int("shards", cfg.NumShards).Str("compression", string(cfg.Compression)).Msg("opened shard files")
	return w, nil
}

// ShardPath returns the file name of shard i.
func ShardPath(base string, i int, c Compression) string {
	return fmt.Sprintf("%s.%d.trec%s", base, i, c.Extension())
}

func openShard(path string, c Compression) (*shardFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create shard: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	cw, err := newCompressor(bw, c)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	return &shardFile{path: path, f: f, bw: bw, cw: cw}, nil
}

// Write applies the legal-move probability floor, runs the postprocessor
// and appends the unit to shard.
func (w *FileWriter) Write(shard int, minLegalProb float32, unit ...record.Record) error {
	if atomic.LoadInt32(&w.closed) != 0 {
		return ErrClosed
	}
	if shard < 0 || shard >= len(w.shards) {
		return fmt.Errorf("shard %d out of range [0,%d)", shard, len(w.shards))
	}
	if !prepare(unit, minLegalProb, w.cfg.Postprocessor) {
		atomic.AddInt64(&w.rejected, int64(len(unit)))
		return nil
	}

	s := w.shards[shard]
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadInt32(&w.closed) != 0 {
		return ErrClosed
	}
	var err error
	s.buf, err = record.AppendUnit(s.buf[:0], unit)
	if err != nil {
		return fmt.Errorf("encode unit: %w", err)
	}
	if _, err := s.cw.Write(s.buf); err != nil {
		return fmt.Errorf("write shard %d: %w", shard, err)
	}
	atomic.AddInt64(&w.written, int64(len(unit)))
	return nil
}

func prepare(unit []record.Record, minLegalProb float32, post Postprocessor) bool {
	for i := range unit {
		unit[i].Policy = record.WithMinLegalProb(unit[i].Policy, minLegalProb)
	}
	return post == nil || post(unit)
}

// NumPositionsWritten returns the positions written so far.
func (w *FileWriter) NumPositionsWritten() int64 {
	return atomic.LoadInt64(&w.written)
}

// NumPositionsRejectedByPostprocessor returns the positions vetoed so far.
func (w *FileWriter) NumPositionsRejectedByPostprocessor() int64 {
	return atomic.LoadInt64(&w.rejected)
}

// Shutdown flushes and closes every shard. Later calls return the first
// call's result.
func (w *FileWriter) Shutdown() error {
	w.shutdownOnce.Do(func() {
		atomic.StoreInt32(&w.closed, 1)
		w.shutdownErr = w.closeAll()
		w.log.Info().
			Int64("written", w.NumPositionsWritten()).
			Int64("rejected", w.NumPositionsRejectedByPostprocessor()).
			Msg("shards closed")
	})
	return w.shutdownErr
}

func (w *FileWriter) closeAll() error {
	var errs []error
	for _, s := range w.shards {
		s.mu.Lock()
		if err := s.cw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close compressor %s: %w", s.path, err))
		}
		if err := s.bw.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", s.path, err))
		}
		if err := s.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// DiscardWriter counts units without storing them. It is used when no
// target file is configured.
type DiscardWriter struct {
	Postprocessor Postprocessor

	written  int64 // atomic
	rejected int64 // atomic
}

var _ Writer = (*DiscardWriter)(nil)

func (w *DiscardWriter) Write(shard int, minLegalProb float32, unit ...record.Record) error {
	if !prepare(unit, minLegalProb, w.Postprocessor) {
		atomic.AddInt64(&w.rejected, int64(len(unit)))
		return nil
	}
	atomic.AddInt64(&w.written, int64(len(unit)))
	return nil
}

func (w *DiscardWriter) NumPositionsWritten() int64 {
	return atomic.LoadInt64(&w.written)
}

func (w *DiscardWriter) NumPositionsRejectedByPostprocessor() int64 {
	return atomic.LoadInt64(&w.rejected)
}

func (w *DiscardWriter) Shutdown() error { return nil }

// Package config holds the generator options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/freeeve/chessgraph/traingen/internal/shard"
	"github.com/freeeve/chessgraph/traingen/internal/tablebase"
)

// ErrUnsupportedBlockSize is returned for block sizes other than 0, 1 and 4.
var ErrUnsupportedBlockSize = errors.New("unsupported block size")

// BlockSize is the only multi-position block size supported.
const BlockSize = 4

// DefaultMaxFileErrors is the per-run ceiling on abandoned files.
const DefaultMaxFileErrors = 500

// Options configures one generator run.
type Options struct {
	SourceDir      string `yaml:"source_dir"`
	FileFilter     string `yaml:"file_filter,omitempty"` // glob on archive base names
	TargetFileBase string `yaml:"target_file_base,omitempty"`

	NumPositionsTotal int64 `yaml:"num_positions_total"`
	NumThreads        int   `yaml:"num_threads"`
	NumShards         int   `yaml:"num_shards"`
	BatchSize         int   `yaml:"batch_size"`

	PositionSkipCount   int     `yaml:"position_skip_count"`
	MinPositionGamePly  int     `yaml:"min_position_game_ply"`
	PositionMaxFraction float64 `yaml:"position_max_fraction"`
	BlockSize           int     `yaml:"block_size"` // 0 or 1 = single positions, 4 = blocks

	Deblunder          bool   `yaml:"deblunder"`
	Tablebase          bool   `yaml:"tablebase"`
	TablebaseDir       string `yaml:"tablebase_dir,omitempty"`
	TablebaseEngine    string `yaml:"tablebase_engine,omitempty"`
	TablebaseMaxPieces int    `yaml:"tablebase_max_pieces"`
	PositionFocus      bool   `yaml:"position_focus"`
	OptimalPathFilter  bool   `yaml:"optimal_path_filter"`
	EmitPriorWL        bool   `yaml:"emit_prior_wl"`

	MinLegalProb  float64 `yaml:"min_legal_prob"`
	Compression   string  `yaml:"compression"`
	Seed          int64   `yaml:"seed,omitempty"` // 0 = seed from the clock
	MaxFileErrors int     `yaml:"max_file_errors"`
}

// Default returns the default options. SourceDir is left empty.
func Default() Options {
	return Options{
		NumPositionsTotal:   100_000_000,
		NumThreads:          runtime.NumCPU(),
		NumShards:           8,
		BatchSize:           1024,
		PositionSkipCount:   32,
		PositionMaxFraction: 0.001,
		BlockSize:           1,
		Deblunder:           true,
		TablebaseMaxPieces:  7,
		OptimalPathFilter:   true,
		Compression:         string(shard.CompressionZstd),
		MaxFileErrors:       DefaultMaxFileErrors,
	}
}

// Resolve validates o and returns a copy with out-of-range values clamped.
func (o Options) Resolve() (Options, error) {
	if o.SourceDir == "" {
		return o, errors.New("source directory required")
	}
	if o.NumPositionsTotal <= 0 {
		return o, fmt.Errorf("total positions must be positive, got %d", o.NumPositionsTotal)
	}

	switch o.BlockSize {
	case 0:
		o.BlockSize = 1
	case 1, BlockSize:
	default:
		return o, fmt.Errorf("%w: %d (want 0, 1 or %d)", ErrUnsupportedBlockSize, o.BlockSize, BlockSize)
	}

	if o.Tablebase && o.TablebaseDir == "" {
		return o, tablebase.ErrTablebaseDirRequired
	}

	if o.PositionMaxFraction < 0 || o.PositionMaxFraction > 1 {
		return o, fmt.Errorf("position max fraction must be in [0,1], got %g", o.PositionMaxFraction)
	}
	if o.MinLegalProb < 0 || o.MinLegalProb >= 1 {
		return o, fmt.Errorf("min legal probability must be in [0,1), got %g", o.MinLegalProb)
	}
	c, err := shard.ParseCompression(o.Compression)
	if err != nil {
		return o, err
	}
	o.Compression = string(c)

	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.PositionSkipCount < 1 {
		o.PositionSkipCount = 1
	}
	if o.MinPositionGamePly < 0 {
		o.MinPositionGamePly = 0
	}
	if o.NumShards < 1 {
		o.NumShards = 1
	}
	if o.TablebaseMaxPieces < 1 {
		o.TablebaseMaxPieces = 7
	}
	if o.MaxFileErrors < 1 {
		o.MaxFileErrors = DefaultMaxFileErrors
	}

	// More threads than batches of the quota only adds contention.
	maxThreads := int(o.NumPositionsTotal / int64(o.BatchSize))
	if maxThreads < 1 {
		maxThreads = 1
	}
	if o.NumThreads < 1 {
		o.NumThreads = 1
	}
	if o.NumThreads > maxThreads {
		o.NumThreads = maxThreads
	}
	return o, nil
}

// Load reads options from a YAML file on top of the defaults. Unknown keys
// are an error.
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

// Dump is the record of a run's resolved options.
type Dump struct {
	RunID     string    `yaml:"run_id"`
	StartedAt time.Time `yaml:"started_at"`
	Options   Options   `yaml:"options"`
}

// DumpPath returns the options dump file for a target base.
func DumpPath(targetBase string) string {
	return targetBase + ".options.yaml"
}

// NewDump stamps opts with a fresh run id.
func NewDump(opts Options, start time.Time) Dump {
	return Dump{RunID: uuid.NewString(), StartedAt: start.UTC(), Options: opts}
}

// Write encodes d as YAML.
func (d Dump) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer func() { _ = encoder.Close() }()
	return encoder.Encode(d)
}

// WriteFile writes d to path.
func (d Dump) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create options dump: %w", err)
	}
	if err := d.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write options dump: %w", err)
	}
	return f.Close()
}

// ReadDump reads an options dump.
func ReadDump(path string) (Dump, error) {
	var d Dump
	data, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse options dump: %w", err)
	}
	return d, nil
}

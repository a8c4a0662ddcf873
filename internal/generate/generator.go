// Package generate turns game archives into sharded training records.
//
// A Generator owns the run: it validates options, lists archives, and runs a
// pool of workers that rotate through the files. For every game a worker
// rescores the plies, samples positions through the acceptance chain and
// claims a slice of the global quota for each unit it hands to the writer.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
	"github.com/freeeve/chessgraph/traingen/internal/config"
	"github.com/freeeve/chessgraph/traingen/internal/record"
	"github.com/freeeve/chessgraph/traingen/internal/rescore"
	"github.com/freeeve/chessgraph/traingen/internal/shard"
	"github.com/freeeve/chessgraph/traingen/internal/stats"
	"github.com/freeeve/chessgraph/traingen/internal/tablebase"
)

// Deps are the collaborators of a Generator. Nil fields are built from the
// options in Configure.
type Deps struct {
	Writer        shard.Writer
	Oracle        tablebase.Oracle
	Postprocessor shard.Postprocessor
	Filter        PositionFilter
	FileFilter    func(name string) bool // overrides Options.FileFilter
	NewRescorer   func() rescore.Rescorer
	Stats         *stats.Stats
	Dedup         *DedupTracker
	Status        io.Writer // receives STATUS and SUMMARY lines
	Logger        zerolog.Logger
}

// Generator runs one training-data generation.
type Generator struct {
	opts config.Options
	deps Deps
	log  zerolog.Logger

	files  []archive.File
	queue  *WorkQueue
	router *shard.Router
	writer shard.Writer
	oracle tablebase.Oracle
	stats  *stats.Stats
	dedup  *DedupTracker
	runID  string

	closeOracle func() error
	closeOnce   sync.Once
	closeErr    error

	shutdownOnce sync.Once
	shutdownErr  error

	configured bool
	active     int32 // atomic, running workers
	idleFiles  int64 // atomic, consecutive files without a claim
	exhausted  int32 // atomic
}

// New creates a generator. Call Configure before Run.
func New(opts config.Options, deps Deps) *Generator {
	g := &Generator{
		opts:  opts,
		deps:  deps,
		log:   deps.Logger,
		stats: deps.Stats,
		dedup: deps.Dedup,
	}
	if g.stats == nil {
		g.stats = stats.New()
	}
	if g.dedup == nil {
		g.dedup = NewDedupTracker()
	}
	return g
}

// Configure validates the options, lists the archives, opens the oracle and
// writer, and writes the options dump.
func (g *Generator) Configure() error {
	opts, err := g.opts.Resolve()
	if err != nil {
		return err
	}
	g.opts = opts

	filter := g.deps.FileFilter
	if filter == nil {
		if filter, err = archive.GlobFilter(opts.FileFilter); err != nil {
			return fmt.Errorf("file filter: %w", err)
		}
	}
	files, err := archive.List(opts.SourceDir, filter)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoArchives, opts.SourceDir)
	}
	g.files = files
	g.queue = NewWorkQueue(files)
	g.router = shard.NewRouter(opts.NumPositionsTotal, opts.NumShards)

	switch {
	case g.deps.Oracle != nil:
		g.oracle = g.deps.Oracle
	case opts.Tablebase || opts.TablebaseDir != "":
		oracle, closeFn, err := tablebase.Open(tablebase.Config{
			Dir:        opts.TablebaseDir,
			EnginePath: opts.TablebaseEngine,
			MaxPieces:  opts.TablebaseMaxPieces,
			Logger:     g.log,
		})
		if err != nil {
			return err
		}
		g.oracle, g.closeOracle = oracle, closeFn
	}

	switch {
	case g.deps.Writer != nil:
		g.writer = g.deps.Writer
	case opts.TargetFileBase != "":
		w, err := shard.NewFileWriter(shard.Config{
			Base:          opts.TargetFileBase,
			NumShards:     opts.NumShards,
			Compression:   shard.Compression(opts.Compression),
			Postprocessor: g.deps.Postprocessor,
			Logger:        g.log,
		})
		if err != nil {
			g.Close()
			return err
		}
		g.writer = w
	default:
		g.writer = &shard.DiscardWriter{Postprocessor: g.deps.Postprocessor}
	}
	g.stats.AttachWriter(g.writer)

	dump := config.NewDump(opts, time.Now())
	g.runID = dump.RunID
	if opts.TargetFileBase != "" {
		if err := dump.WriteFile(config.DumpPath(opts.TargetFileBase)); err != nil {
			g.Close()
			return err
		}
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	g.log.Info().
		Str("run_id", g.runID).
		Str("source", opts.SourceDir).
		Int("files", len(files)).
		Int64("bytes", totalSize).
		Int64("total", opts.NumPositionsTotal).
		Int("threads", opts.NumThreads).
		Int("shards", opts.NumShards).
		Int("block", opts.BlockSize).
		Bool("tablebase", g.oracle != nil).
		Msg("generator configured")
	g.configured = true
	return nil
}

// Run processes archives until the quota is claimed, the input is
// exhausted, ctx is cancelled or a fatal error occurs. The returned
// snapshot holds the final counters in every case.
func (g *Generator) Run(ctx context.Context) (stats.Snapshot, error) {
	if !g.configured {
		return g.stats.Snapshot(), errors.New("generator not configured")
	}

	numWorkers := min(len(g.files), g.opts.NumThreads)
	atomic.StoreInt32(&g.active, int32(numWorkers))
	g.log.Info().Int("workers", numWorkers).Msg("starting workers")

	eg, ectx := errgroup.WithContext(ctx)
	for id := 0; id < numWorkers; id++ {
		w := g.newWorker(id)
		eg.Go(func() error {
			defer g.workerDone()
			return w.run(ectx)
		})
	}
	err := eg.Wait()

	if serr := g.shutdownWriter(); serr != nil && err == nil {
		err = fmt.Errorf("shutdown writer: %w", serr)
	}
	if cerr := g.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close oracle: %w", cerr)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	snap := g.stats.Snapshot()
	g.emit(snap.Format("SUMMARY"))
	ev := g.log.Info()
	if err != nil {
		ev = g.log.Warn().Err(err)
	}
	ev.Str("run_id", g.runID).
		Int64("written", snap.Get(stats.Written)).
		Int64("scanned", snap.Get(stats.Scanned)).
		Int64("games", snap.Get(stats.Games)).
		Int64("file_errors", snap.Get(stats.FileErrors)).
		Float64("pos_per_sec", snap.PositionsPerSec()).
		Bool("exhausted", g.Exhausted()).
		Msg("run finished")
	return snap, err
}

// workerDone lets the last worker to stop close the shards.
func (g *Generator) workerDone() {
	if atomic.AddInt32(&g.active, -1) == 0 {
		if err := g.shutdownWriter(); err != nil {
			g.log.Error().Err(err).Msg("shard shutdown failed")
		}
	}
}

func (g *Generator) shutdownWriter() error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.writer.Shutdown()
	})
	return g.shutdownErr
}

// Close releases the tablebase oracle. Run calls it; it is safe to call again.
func (g *Generator) Close() error {
	g.closeOnce.Do(func() {
		if g.closeOracle != nil {
			g.closeErr = g.closeOracle()
		}
	})
	return g.closeErr
}

// noteFile tracks forward progress after a file. A file is idle when it
// yielded no position at all, or when candidates reached the filter chain
// and none was claimed. A file whose positions all missed the stride says
// nothing about the input and leaves the count alone. Two full rotations of
// idle files mean the filters reject everything that is left.
func (g *Generator) noteFile(claimed, candidates, scanned int64) {
	switch {
	case claimed > 0:
		atomic.StoreInt64(&g.idleFiles, 0)
		return
	case scanned > 0 && candidates == 0:
		return
	}
	if atomic.AddInt64(&g.idleFiles, 1) >= int64(2*len(g.files)) {
		if atomic.CompareAndSwapInt32(&g.exhausted, 0, 1) {
			g.log.Warn().
				Int64("written", g.router.Claimed()).
				Int64("total", g.router.Total()).
				Msg("input exhausted: two rotations over all files without a new position")
		}
	}
}

// Exhausted reports whether the run stopped for lack of acceptable input.
func (g *Generator) Exhausted() bool {
	return atomic.LoadInt32(&g.exhausted) != 0
}

func (g *Generator) emitStatus() {
	snap := g.stats.Snapshot()
	g.emit(snap.Format("STATUS"))
	g.log.Info().
		Int64("written", snap.Get(stats.Written)).
		Int64("total", g.opts.NumPositionsTotal).
		Int64("files", snap.Get(stats.FilesProcessed)).
		Int64("skipped", snap.Skipped()).
		Float64("pos_per_sec", snap.PositionsPerSec()).
		Msg("progress")
}

func (g *Generator) emit(line string) {
	if g.deps.Status != nil {
		fmt.Fprintln(g.deps.Status, line)
	}
}

// Options returns the resolved options.
func (g *Generator) Options() config.Options { return g.opts }

// Files returns the archives found by Configure.
func (g *Generator) Files() []archive.File { return g.files }

// Stats returns the run counters.
func (g *Generator) Stats() *stats.Stats { return g.stats }

// Dedup returns the fingerprint tracker.
func (g *Generator) Dedup() *DedupTracker { return g.dedup }

// RunID returns the id written to the options dump.
func (g *Generator) RunID() string { return g.runID }

// Claimed returns the positions claimed for the writer.
func (g *Generator) Claimed() int64 { return g.router.Claimed() }

// writerError marks a failure inside the shard writer. Unlike file errors
// it stops the run.
type writerError struct{ err error }

func (e *writerError) Error() string { return "write shard: " + e.err.Error() }
func (e *writerError) Unwrap() error { return e.err }

// worker owns the per-thread state: sampler, block assembler and rescorer.
type worker struct {
	g        *Generator
	id       int
	log      zerolog.Logger
	sampler  *sampler
	blocks   *blockAssembler
	rescorer rescore.Rescorer
}

func (g *Generator) newWorker(id int) *worker {
	s := newSampler(g, id)
	var rs rescore.Rescorer
	if g.deps.NewRescorer != nil {
		rs = g.deps.NewRescorer()
	} else {
		rs = rescore.NewAnalyzer(rescore.Config{TablebaseMaxPieces: g.opts.TablebaseMaxPieces})
	}
	w := &worker{
		g:        g,
		id:       id,
		log:      g.log.With().Int("worker", id).Logger(),
		sampler:  s,
		rescorer: rs,
	}
	if g.opts.BlockSize > 1 {
		w.blocks = newBlockAssembler(g.opts.BlockSize, g.opts.OptimalPathFilter, g.opts.EmitPriorWL, s)
	}
	return w
}

func (w *worker) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || w.g.router.Done() || w.g.Exhausted()
}

func (w *worker) run(ctx context.Context) error {
	g := w.g
	for {
		if w.stopping(ctx) {
			return nil
		}
		f, err := g.queue.Dequeue()
		if err != nil {
			return err
		}

		claimed, err := w.processFile(ctx, f)
		g.queue.Enqueue(f)
		if err != nil {
			var fe *FileError
			if !errors.As(err, &fe) {
				return err
			}
			n := g.stats.Add(stats.FileErrors, 1)
			w.log.Warn().Err(err).Str("file", f.Name()).Int64("file_errors", n).Msg("skipped rest of file")
			if n > int64(g.opts.MaxFileErrors) {
				return fmt.Errorf("%w: %d files abandoned (limit %d)", ErrTooManyFileErrors, n, g.opts.MaxFileErrors)
			}
		}
		g.stats.Inc(stats.FilesProcessed)
		g.noteFile(claimed, w.sampler.candidates, w.sampler.scannedThisFile)

		if g.stats.ShouldEmit(g.opts.TargetFileBase != "") {
			g.emitStatus()
		}
	}
}

// processFile scans one archive from the start. A panic while scanning is
// reported as a FileError like any other malformed input.
func (w *worker) processFile(ctx context.Context, f archive.File) (claimed int64, err error) {
	gameIdx, ply := -1, -1
	defer func() {
		if r := recover(); r != nil {
			err = &FileError{Path: f.Path, Game: gameIdx, Ply: ply, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	w.sampler.resetFile()
	rd, err := archive.Open(f.Path)
	if err != nil {
		return 0, &FileError{Path: f.Path, Game: -1, Ply: -1, Err: err}
	}
	defer rd.Close()

	for gameIdx = 0; ; gameIdx++ {
		ply = -1
		if w.stopping(ctx) {
			return claimed, nil
		}
		game, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return claimed, nil
		}
		if err != nil {
			return claimed, &FileError{Path: f.Path, Game: gameIdx, Ply: -1, Err: err}
		}

		n, err := w.processGame(ctx, game, &ply)
		claimed += n
		if err != nil {
			var we *writerError
			if errors.As(err, &we) {
				return claimed, err
			}
			return claimed, &FileError{Path: f.Path, Game: gameIdx, Ply: ply, Err: err}
		}
	}
}

func (w *worker) processGame(ctx context.Context, game *archive.Game, ply *int) (int64, error) {
	g := w.g
	replayed, err := archive.Replay(game)
	if err != nil {
		return 0, err
	}
	g.stats.Inc(stats.Games)
	if game.FRC {
		g.stats.Inc(stats.FRCGames)
	}

	w.rescorer.SetGame(replayed)
	w.rescorer.ComputeRescoring(g.oracle)
	w.rescorer.ComputeTrainingTargets(g.opts.Deblunder, g.opts.Tablebase, g.opts.PositionFocus)
	c := w.rescorer.Counters()
	g.stats.Add(stats.TBLookups, c.TBLookups)
	g.stats.Add(stats.TBHits, c.TBHits)
	g.stats.Add(stats.TBRescored, c.TBRescored)
	g.stats.Add(stats.UnintendedBlunders, c.UnintendedBlunders)
	g.stats.Add(stats.NoiseBlunders, c.NoiseBlunders)

	var claimed int64
	for i := range replayed.Positions {
		*ply = i
		if ctx.Err() != nil || g.router.Done() {
			break
		}
		if !w.sampler.accept(replayed.Positions[i], w.rescorer.Target(i)) {
			continue
		}

		var n int
		if w.blocks == nil {
			n, err = w.writeSingle(replayed, i)
		} else {
			n, err = w.writeBlock(replayed, i)
		}
		claimed += int64(n)
		if err != nil {
			return claimed, err
		}
	}
	return claimed, nil
}

func (w *worker) writeSingle(replayed *archive.Replayed, i int) (int, error) {
	rec := buildRecord(replayed, i, w.rescorer.Target(i), w.g.opts.EmitPriorWL)
	return w.claimAndWrite(rec)
}

func (w *worker) writeBlock(replayed *archive.Replayed, i int) (int, error) {
	if !w.blocks.canStart(replayed, i) {
		w.g.stats.Inc(stats.BlocksAbandoned)
		return 0, nil
	}
	unit, err := w.blocks.assemble(replayed, i, w.rescorer.Target)
	if err != nil {
		w.g.stats.Inc(stats.BlocksAbandoned)
		return 0, err
	}
	return w.claimAndWrite(unit...)
}

// claimAndWrite claims len(unit) positions of the quota and hands the unit
// to the writer. A failed claim means the quota is met and nothing is written.
// A unit the record layout cannot hold is rejected before the claim; the
// caller reports it as a file error.
func (w *worker) claimAndWrite(unit ...record.Record) (int, error) {
	g := w.g
	for i := range unit {
		if err := record.Validate(&unit[i]); err != nil {
			return 0, fmt.Errorf("ply %d: %w", unit[i].Ply, err)
		}
	}
	first, ok := g.router.Claim(len(unit))
	if !ok {
		return 0, nil
	}
	g.stats.Add(stats.Written, int64(len(unit)))
	w.sampler.claimed(len(unit))

	idx := g.router.ShardFor(first, len(unit))
	if err := g.writer.Write(idx, float32(g.opts.MinLegalProb), unit...); err != nil {
		return len(unit), &writerError{err: err}
	}
	return len(unit), nil
}

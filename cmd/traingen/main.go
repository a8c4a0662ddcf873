package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freeeve/chessgraph/traingen/internal/config"
	"github.com/freeeve/chessgraph/traingen/internal/generate"
	"github.com/freeeve/chessgraph/traingen/internal/logx"
	"github.com/freeeve/chessgraph/traingen/internal/stats"
)

func main() {
	def := config.Default()
	if v := os.Getenv("TRAINGEN_SOURCE_DIR"); v != "" {
		def.SourceDir = v
	}
	if v := os.Getenv("TRAINGEN_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			def.NumThreads = n
		}
	}
	if v := os.Getenv("TRAINGEN_TABLEBASE_DIR"); v != "" {
		def.TablebaseDir = v
	}

	var (
		configPath = flag.String("config", "", "YAML options file (flags set on the command line override it)")

		source     = flag.String("source", def.SourceDir, "directory of game archives")
		target     = flag.String("target", def.TargetFileBase, "output file base (empty = count only)")
		fileFilter = flag.String("file-filter", def.FileFilter, "glob on archive file names")

		total   = flag.Int64("total", def.NumPositionsTotal, "positions to write")
		threads = flag.Int("threads", def.NumThreads, "worker threads")
		shards  = flag.Int("shards", def.NumShards, "output shards")
		batch   = flag.Int("batch", def.BatchSize, "training batch size (caps threads at total/batch)")

		skip        = flag.Int("skip", def.PositionSkipCount, "sample one position in N")
		minPly      = flag.Int("min-ply", def.MinPositionGamePly, "skip positions before this ply")
		maxFraction = flag.Float64("max-fraction", def.PositionMaxFraction, "max share of a file's output one position may take")
		block       = flag.Int("block", def.BlockSize, "block size: 1 = single positions, 4 = related blocks")

		deblunder    = flag.Bool("deblunder", def.Deblunder, "correct results after blunders")
		tb           = flag.Bool("tablebase", def.Tablebase, "substitute tablebase results")
		tbDir        = flag.String("tablebase-dir", def.TablebaseDir, "directory of DTM eval logs")
		tbEngine     = flag.String("tb-engine", def.TablebaseEngine, "UCI engine used to prove mates the eval logs miss")
		focus        = flag.Bool("focus", def.PositionFocus, "drop decided positions with low uncertainty")
		optimalPath  = flag.Bool("optimal-path", def.OptimalPathFilter, "require near-optimal forced continuations in blocks")
		priorWL      = flag.Bool("prior-wl", def.EmitPriorWL, "emit the previous position's W/L")
		minLegalProb = flag.Float64("min-legal-prob", def.MinLegalProb, "probability floor for every legal move")
		compression  = flag.String("compression", def.Compression, "shard compression: zstd, lz4 or none")
		seed         = flag.Int64("seed", def.Seed, "sampling seed (0 = from the clock)")

		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address (empty = disabled)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON     = flag.Bool("log-json", false, "log JSON lines")
	)
	flag.Parse()

	// Status lines own stdout.
	logger := logx.NewLogger(logx.Options{Out: os.Stderr, Level: *logLevel, JSON: *logJSON})

	opts := def
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load options")
		}
		opts = loaded
	}

	apply := map[string]func(){
		"source":         func() { opts.SourceDir = *source },
		"target":         func() { opts.TargetFileBase = *target },
		"file-filter":    func() { opts.FileFilter = *fileFilter },
		"total":          func() { opts.NumPositionsTotal = *total },
		"threads":        func() { opts.NumThreads = *threads },
		"shards":         func() { opts.NumShards = *shards },
		"batch":          func() { opts.BatchSize = *batch },
		"skip":           func() { opts.PositionSkipCount = *skip },
		"min-ply":        func() { opts.MinPositionGamePly = *minPly },
		"max-fraction":   func() { opts.PositionMaxFraction = *maxFraction },
		"block":          func() { opts.BlockSize = *block },
		"deblunder":      func() { opts.Deblunder = *deblunder },
		"tablebase":      func() { opts.Tablebase = *tb },
		"tablebase-dir":  func() { opts.TablebaseDir = *tbDir },
		"tb-engine":      func() { opts.TablebaseEngine = *tbEngine },
		"focus":          func() { opts.PositionFocus = *focus },
		"optimal-path":   func() { opts.OptimalPathFilter = *optimalPath },
		"prior-wl":       func() { opts.EmitPriorWL = *priorWL },
		"min-legal-prob": func() { opts.MinLegalProb = *minLegalProb },
		"compression":    func() { opts.Compression = *compression },
		"seed":           func() { opts.Seed = *seed },
	}
	if *configPath == "" {
		// Without a file every flag value (default, env or explicit) applies.
		for _, fn := range apply {
			fn()
		}
	} else {
		flag.Visit(func(f *flag.Flag) {
			if fn, ok := apply[f.Name]; ok {
				fn()
			}
		})
	}

	if opts.SourceDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: traingen -source <dir> [-target <base>] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	st := stats.New()
	g := generate.New(opts, generate.Deps{
		Stats:  st,
		Status: os.Stdout,
		Logger: logger,
	})
	if err := g.Configure(); err != nil {
		logger.Fatal().Err(err).Msg("configure generator")
	}
	defer g.Close()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := st.Register(reg); err != nil {
			logger.Fatal().Err(err).Msg("register metrics")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", *metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := g.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn().Int64("written", snap.Get(stats.Written)).Msg("interrupted")
	case err != nil:
		logger.Fatal().Err(err).Msg("run failed")
	}
}

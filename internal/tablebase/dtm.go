package tablebase

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/freeeve/pgn/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

// DTM encoding used by chessgraph eval logs. Values are from white's
// perspective: positive = white mates, negative = white is mated.
const (
	DTMUnknown       int16 = 0
	DTMDrawBase      int16 = -32768
	DTMDrawThreshold int16 = -16385
	DTMMateMax       int16 = 16384

	DTMMate0White int16 = 32767 // side-to-move is white and is checkmated
	DTMMate0Black int16 = 32766 // side-to-move is black and is checkmated
)

// DecodeDTM converts a white-relative DTM into a white-relative result.
func DecodeDTM(dtm int16) (Result, bool) {
	switch {
	case dtm == DTMUnknown:
		return Draw, false
	case dtm == DTMMate0White:
		return Loss, true
	case dtm == DTMMate0Black:
		return Win, true
	case dtm > 0 && dtm <= DTMMateMax:
		return Win, true
	case dtm <= DTMDrawThreshold:
		return Draw, true
	case dtm < 0 && dtm >= -DTMMateMax:
		return Loss, true
	default:
		return Draw, false
	}
}

// DTMOracle answers lookups from proven DTM values loaded from eval logs.
type DTMOracle struct {
	mu        sync.RWMutex
	dtm       map[pgn.PackedPosition]int16
	maxPieces int
}

// NewDTMOracle creates an empty oracle. Positions with more than maxPieces
// pieces are never looked up; 0 disables the limit.
func NewDTMOracle(maxPieces int) *DTMOracle {
	return &DTMOracle{
		dtm:       make(map[pgn.PackedPosition]int16),
		maxPieces: maxPieces,
	}
}

// Put stores a white-relative DTM for a position.
func (o *DTMOracle) Put(key pgn.PackedPosition, dtm int16) {
	o.mu.Lock()
	o.dtm[key] = dtm
	o.mu.Unlock()
}

// Len returns the number of positions with a proven DTM.
func (o *DTMOracle) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.dtm)
}

// Lookup implements Oracle.
func (o *DTMOracle) Lookup(pos archive.Position) (Result, bool) {
	if o.maxPieces > 0 && pos.Pieces > o.maxPieces {
		return Draw, false
	}
	o.mu.RLock()
	dtm, ok := o.dtm[pos.Packed]
	o.mu.RUnlock()
	if !ok {
		return Draw, false
	}
	r, ok := DecodeDTM(dtm)
	if !ok {
		return Draw, false
	}
	if !pos.WhiteToMove {
		r = r.Flip()
	}
	return r, true
}

// LoadDir loads every eval log (.csv, .csv.zst, .csv.gz) in dir.
func (o *DTMOracle) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".csv.zst") || strings.HasSuffix(name, ".csv.gz") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		n, err := o.LoadFile(filepath.Join(dir, name))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// LoadFile loads one eval log (supports .zst and .gz compression).
// Columns: fen, position, cp, dtm, dtz, proven_depth. Rows without a proven
// DTM are skipped.
func (o *DTMOracle) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return 0, err
		}
		defer zr.Close()
		reader = zr
	} else if strings.HasSuffix(path, ".gz") {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer gr.Close()
		reader = gr
	}

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	// Skip header
	if _, err := csvReader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for {
		row, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Truncated compressed logs end with an unexpected EOF; keep what we have.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			continue
		}
		if len(row) < 4 {
			continue
		}
		dtm, err := strconv.ParseInt(row[3], 10, 16)
		if err != nil || int16(dtm) == DTMUnknown {
			continue
		}
		key, ok := parseKey(row[0], row[1])
		if !ok {
			continue
		}
		o.Put(key, int16(dtm))
		count++
	}
	return count, nil
}

func parseKey(fen, position string) (pgn.PackedPosition, bool) {
	if position != "" {
		if key, err := pgn.ParsePackedPosition(position); err == nil {
			return key, true
		}
	}
	if fen != "" {
		if gs, err := pgn.NewGame(fen); err == nil {
			return gs.Pack(), true
		}
	}
	return pgn.PackedPosition{}, false
}

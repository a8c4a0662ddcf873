package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reader yields the games of one archive in order.
// It is not restartable; reopen the file to read it again.
type Reader struct {
	f    *os.File
	zr   *zstd.Decoder
	br   *bufio.Reader
	line int
}

// Open opens an archive for reading (compressed or plain by extension).
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f}
	var src io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		r.zr = zr
		src = zr
	}
	r.br = bufio.NewReaderSize(src, 1<<20)
	return r, nil
}

// Next decodes the next game. It returns io.EOF after the last game.
func (r *Reader) Next() (*Game, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		r.line++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, io.EOF
			}
			continue
		}
		var g Game
		if uerr := json.Unmarshal(line, &g); uerr != nil {
			return nil, fmt.Errorf("line %d: decode game: %w", r.line, uerr)
		}
		return &g, nil
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.f.Close()
}

// Writer appends games to a new archive.
type Writer struct {
	f  *os.File
	zw *zstd.Encoder
	bw *bufio.Writer
}

// Create creates an archive at path, compressing when path ends in .zst.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f}
	var dst io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		w.zw = zw
		dst = zw
	}
	w.bw = bufio.NewWriter(dst)
	return w, nil
}

// Write appends one game as a JSON line.
func (w *Writer) Write(g *Game) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode game: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// Close flushes and closes the archive.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

// WriteFile writes games to a new archive at path.
func WriteFile(path string, games []*Game) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	for _, g := range games {
		if err := w.Write(g); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

package generate

import (
	"errors"
	"fmt"
)

var (
	// ErrNoArchives is returned when the source directory holds no archive
	// matching the file filter.
	ErrNoArchives = errors.New("no archive files found")

	// ErrTooManyFileErrors is returned once more files have been abandoned
	// than the configured ceiling allows.
	ErrTooManyFileErrors = errors.New("too many file errors")
)

// FileError is a recoverable failure while scanning one archive. The rest
// of the file is skipped and the run continues.
type FileError struct {
	Path string
	Game int // game index in the file, -1 if unknown
	Ply  int // ply within the game, -1 if unknown
	Err  error
}

func (e *FileError) Error() string {
	switch {
	case e.Ply >= 0:
		return fmt.Sprintf("%s: game %d ply %d: %v", e.Path, e.Game, e.Ply, e.Err)
	case e.Game >= 0:
		return fmt.Sprintf("%s: game %d: %v", e.Path, e.Game, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
}

func (e *FileError) Unwrap() error {
	return e.Err
}

package archive

import (
	"os"
	"path/filepath"
	"sort"
)

// File is an archive found in the source directory.
type File struct {
	Path string
	Size int64
}

// Name returns the base name of the archive.
func (f File) Name() string {
	return filepath.Base(f.Path)
}

// List returns the archives in dir sorted by name. When filter is non-nil
// only names it accepts are returned.
func List(dir string, filter func(name string) bool) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !IsArchiveFile(name) {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: filepath.Join(dir, name), Size: info.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// GlobFilter returns a filter matching base names against a shell pattern.
// An empty pattern matches everything.
func GlobFilter(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return nil, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	return func(name string) bool {
		ok, _ := filepath.Match(pattern, name)
		return ok
	}, nil
}

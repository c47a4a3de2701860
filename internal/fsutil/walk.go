// Package fsutil provides the directory walk shared by route discovery and
// the archive codec.
package fsutil

import (
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Kind classifies a walked entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is a single item below the walk root.
type Entry struct {
	// RelPath is slash-separated and relative to the walk root.
	RelPath string
	// Path is the full OS path.
	Path string
	Kind Kind
	Dir  fs.DirEntry
}

// Walk returns a lazy sequence over every entry below root, depth-first and
// in lexical order within each directory. The root itself is not yielded.
// Symbolic links are reported as KindSymlink and never followed.
//
// The sequence can be ranged over more than once; each range walks the tree
// again. A missing root yields one error wrapping fs.ErrNotExist.
func Walk(root string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		dir := root
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			dir = resolved
		}
		info, err := os.Stat(dir)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		if !info.IsDir() {
			yield(Entry{}, fmt.Errorf("%s is not a directory: %w", dir, fs.ErrInvalid))
			return
		}

		stopped := false
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield(Entry{Path: path}, err) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if path == dir {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			entry := Entry{
				RelPath: filepath.ToSlash(rel),
				Path:    path,
				Kind:    kindOf(d),
				Dir:     d,
			}
			if !yield(entry, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(Entry{}, walkErr)
		}
	}
}

func kindOf(d fs.DirEntry) Kind {
	switch t := d.Type(); {
	case t.IsDir():
		return KindDir
	case t&fs.ModeSymlink != 0:
		return KindSymlink
	case t.IsRegular():
		return KindFile
	default:
		return KindOther
	}
}

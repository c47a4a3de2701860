package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/isdelr/ender-panel/internal/fsutil"
)

// PackReport summarizes a Pack call.
type PackReport struct {
	Files int
	Dirs  int
	// Bytes is the total uncompressed size of the archived files.
	Bytes int64
	// Warnings lists entries that were skipped.
	Warnings []*EntryError
}

func (r *PackReport) warn(name string, err error) {
	r.Warnings = append(r.Warnings, &EntryError{Name: name, Err: err})
}

// Pack writes every directory and regular file below sourceDir to w as a zip
// archive with paths relative to sourceDir.
//
// Symbolic links are only archived when they resolve to a regular file inside
// sourceDir, in which case the target content is stored under the link's path.
// Any other link is skipped and reported as a warning.
func (c *Codec) Pack(ctx context.Context, sourceDir string, w io.Writer, meta Metadata) (*PackReport, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, sourceDir)
		}
		return nil, fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, sourceDir)
	}

	realRoot, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source directory: %w", err)
	}
	root, err := os.OpenRoot(realRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open source directory: %w", err)
	}
	defer root.Close()

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, c.newCompressor)

	report := &PackReport{}
	for entry, err := range fsutil.Walk(realRoot) {
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to walk source directory: %w", err)
		}
		if err := ctx.Err(); err != nil {
			zw.Close()
			return nil, err
		}

		switch entry.Kind {
		case fsutil.KindDir:
			err = c.addDir(zw, entry, report)
		case fsutil.KindFile:
			err = c.addFile(ctx, zw, root, entry.RelPath, entry.RelPath, report)
		case fsutil.KindSymlink:
			target, linkErr := resolveLink(realRoot, entry.Path)
			if linkErr != nil {
				report.warn(entry.RelPath, linkErr)
				continue
			}
			err = c.addFile(ctx, zw, root, target, entry.RelPath, report)
		default:
			report.warn(entry.RelPath, ErrUnsupportedEntry)
			continue
		}
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to archive %s: %w", entry.RelPath, err)
		}
	}

	if err := zw.SetComment(meta.comment()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return report, nil
}

func (c *Codec) addDir(zw *zip.Writer, entry fsutil.Entry, report *PackReport) error {
	hdr := &zip.FileHeader{
		Name:   entry.RelPath + "/",
		Method: zip.Store,
	}
	if info, err := entry.Dir.Info(); err == nil {
		hdr.Modified = info.ModTime()
		hdr.SetMode(info.Mode())
	}
	if _, err := zw.CreateHeader(hdr); err != nil {
		return err
	}
	report.Dirs++
	return nil
}

// addFile opens src through the root, so a path that escapes the tree fails
// even if it slipped past resolveLink.
func (c *Codec) addFile(ctx context.Context, zw *zip.Writer, root *os.Root, src, name string, report *PackReport) error {
	f, err := root.Open(filepath.FromSlash(src))
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		report.warn(name, ErrUnsupportedEntry)
		return nil
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, ctxReader{ctx: ctx, r: f})
	if err != nil {
		return err
	}
	report.Files++
	report.Bytes += n
	return nil
}

// resolveLink returns the slash-separated path of the link target relative to
// root, or ErrUnsafeLink when the link dangles, escapes root, or points at a
// directory.
func resolveLink(root, link string) (string, error) {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafeLink, err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || !filepath.IsLocal(rel) {
		return "", ErrUnsafeLink
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafeLink, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: links to directories are not followed", ErrUnsupportedEntry)
	}
	return filepath.ToSlash(rel), nil
}

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
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// UnpackReport is the aggregate result of an Unpack call.
type UnpackReport struct {
	// Metadata is parsed from the archive comment; zero when absent.
	Metadata Metadata
	Entries  int
	Restored []string
	Failures []*EntryError
}

func (r *UnpackReport) fail(name string, err error) {
	r.Failures = append(r.Failures, &EntryError{Name: name, Err: err})
}

// Partial reports whether at least one entry failed.
func (r *UnpackReport) Partial() bool {
	return len(r.Failures) > 0
}

// Err joins every per-entry failure, or returns nil when all entries were restored.
func (r *UnpackReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Unpack extracts the zip archive read from r into destDir, which must exist.
//
// Entries are handled independently: an entry that escapes destDir, collides
// with an existing path while overwrite is false, or fails to write is recorded
// in the report and the remaining entries are still extracted. The returned
// error is reserved for failures that affect the whole archive.
func (c *Codec) Unpack(ctx context.Context, r io.ReaderAt, size int64, destDir string, overwrite bool) (*UnpackReport, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		// Insecure names are rejected per entry below.
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)

	if c.maxEntries > 0 && len(zr.File) > c.maxEntries {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(zr.File), c.maxEntries)
	}

	root, err := os.OpenRoot(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination directory: %w", err)
	}
	defer root.Close()

	report := &UnpackReport{}
	if meta, ok := parseComment(zr.Comment); ok {
		report.Metadata = meta
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Entries++

		name, err := localName(f.Name)
		if err != nil {
			report.fail(f.Name, err)
			continue
		}
		if err := c.extract(ctx, root, f, name, overwrite); err != nil {
			report.fail(f.Name, err)
			continue
		}
		report.Restored = append(report.Restored, filepath.ToSlash(name))
	}
	return report, nil
}

// UnpackFile opens the archive at path and unpacks it into destDir.
func (c *Codec) UnpackFile(ctx context.Context, path, destDir string, overwrite bool) (*UnpackReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return c.Unpack(ctx, f, info.Size(), destDir, overwrite)
}

// ReadInfo returns the metadata stored in an archive comment.
func ReadInfo(r io.ReaderAt, size int64) (Metadata, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	meta, ok := parseComment(zr.Comment)
	if !ok {
		return Metadata{}, errors.New("archive has no panel metadata")
	}
	return meta, nil
}

// localName turns a zip entry name into a relative OS path, rejecting names
// that are absolute or climb out of the destination. Backslashes are treated
// as separators since some archivers emit them.
func localName(name string) (string, error) {
	n := strings.ReplaceAll(name, `\`, "/")
	n = strings.TrimSuffix(n, "/")
	if n == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrPathTraversal)
	}
	p := filepath.FromSlash(n)
	if !filepath.IsLocal(p) {
		return "", ErrPathTraversal
	}
	return filepath.Clean(p), nil
}

func (c *Codec) extract(ctx context.Context, root *os.Root, f *zip.File, name string, overwrite bool) error {
	mode := f.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return ErrUnsupportedEntry
	case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
		return root.MkdirAll(name, 0o755)
	case !mode.IsRegular():
		return ErrUnsupportedEntry
	}

	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if st, err := root.Lstat(name); err == nil {
		if !overwrite {
			return ErrDestinationConflict
		}
		if st.IsDir() {
			return fmt.Errorf("%w: a directory is in the way", ErrDestinationConflict)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if c.maxEntryBytes > 0 && f.UncompressedSize64 > uint64(c.maxEntryBytes) {
		return ErrEntryTooLarge
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}

	// Write beside the target and rename so a failed entry never leaves a
	// truncated file under its final name.
	tmp := name + ".part-" + uuid.NewString()[:8]
	out, err := root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if err := c.copyEntry(ctx, out, f); err != nil {
		out.Close()
		root.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		root.Remove(tmp)
		return err
	}
	if err := root.Rename(tmp, name); err != nil {
		root.Remove(tmp)
		return err
	}
	return nil
}

func (c *Codec) copyEntry(ctx context.Context, out io.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	var src io.Reader = ctxReader{ctx: ctx, r: rc}
	if c.maxEntryBytes > 0 {
		// The header size can lie; count what actually comes out.
		src = io.LimitReader(src, c.maxEntryBytes+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return err
	}
	if c.maxEntryBytes > 0 && n > c.maxEntryBytes {
		return ErrEntryTooLarge
	}
	return nil
}

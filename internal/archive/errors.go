package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceNotFound is returned by Pack when the source directory is missing.
	ErrSourceNotFound = errors.New("archive source directory not found")
	// ErrPathTraversal marks an entry whose path resolves outside the destination.
	ErrPathTraversal = errors.New("archive entry path escapes destination")
	// ErrDestinationConflict marks an entry that already exists while overwrite is off.
	ErrDestinationConflict = errors.New("destination path already exists")
	// ErrUnsafeLink marks a symbolic link that was skipped during Pack.
	ErrUnsafeLink = errors.New("symbolic link escapes source tree")
	// ErrUnsupportedEntry marks entries that are neither regular files nor directories.
	ErrUnsupportedEntry = errors.New("unsupported archive entry type")
	// ErrEntryTooLarge marks an entry above the configured decompressed size cap.
	ErrEntryTooLarge = errors.New("archive entry exceeds size limit")
	// ErrInvalidArchive marks input that is not a readable zip archive.
	ErrInvalidArchive = errors.New("not a valid zip archive")
	// ErrTooManyEntries rejects a whole archive above the configured entry count.
	ErrTooManyEntries = errors.New("archive has too many entries")
)

// EntryError ties a failure to a single archive entry.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrInvalidIdentifier is returned before any I/O when an instance ID is malformed.
	ErrInvalidIdentifier = errors.New("invalid instance identifier")
	// ErrTransferFailure wraps errors that interrupt streaming an archive to a client.
	ErrTransferFailure = errors.New("archive transfer failed")
	// ErrInsufficientSpace is returned when the archive volume is below the free-space floor.
	ErrInsufficientSpace = errors.New("insufficient free disk space")
	// ErrUploadTooLarge is returned when an uploaded archive exceeds the size limit.
	ErrUploadTooLarge = errors.New("uploaded archive exceeds size limit")
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateInstanceID rejects IDs that could name anything other than a single
// directory below the instances root.
func ValidateInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// DiskSpace reports free bytes on the volume holding path.
type DiskSpace interface {
	Free(path string) (uint64, error)
}

// HostDiskSpace reads free space from the host with gopsutil.
type HostDiskSpace struct{}

// Free returns the bytes available on the volume holding path.
func (HostDiskSpace) Free(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// instanceLocks hands out one exclusive lock per instance ID. Entries are
// dropped once nobody holds or waits on them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// acquire blocks until the lock for id is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *instanceLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &instanceLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.unref(id, lk)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			l.unref(id, lk)
		})
	}, nil
}

func (l *instanceLocks) unref(id string, lk *instanceLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *instanceLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

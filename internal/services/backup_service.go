package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/isdelr/ender-panel/internal/archive"
	"github.com/isdelr/ender-panel/internal/metrics"
	"github.com/isdelr/ender-panel/internal/models"
	"github.com/rs/zerolog/log"
)

// Temp file name prefixes; the janitor sweeps files that start with them.
const (
	BackupFilePrefix = "backup-"
	UploadFilePrefix = "upload-"
)

// BackupServiceProvider defines the interface for backup services.
type BackupServiceProvider interface {
	CreateBackup(ctx context.Context, instanceID string) (*BackupHandle, error)
	RestoreBackup(ctx context.Context, instanceID string, upload io.Reader) (models.RestoreResult, error)
}

// Quiescer pauses world saves on a running instance so the files on disk are
// consistent while they are archived. resume is never nil when err is nil.
type Quiescer interface {
	Quiesce(ctx context.Context, instanceID, dir string) (resume func(), err error)
}

// ContainerController stops and starts the container backing an instance.
type ContainerController interface {
	// StopInstance stops the container and reports whether it was running.
	StopInstance(ctx context.Context, instanceID string) (wasRunning bool, err error)
	StartInstance(ctx context.Context, instanceID string) error
}

// OffsiteSink keeps a copy of every archive away from the host.
type OffsiteSink interface {
	Upload(ctx context.Context, name, path string) (key string, err error)
}

// BackupPaths locates the directories the backup service works in.
type BackupPaths struct {
	InstancesRoot string
	TempDir       string
	UploadDir     string
}

// BackupOption configures optional collaborators of a BackupService.
type BackupOption func(*BackupService)

// WithQuiescer quiesces instances before they are archived.
func WithQuiescer(q Quiescer) BackupOption {
	return func(s *BackupService) { s.quiescer = q }
}

// WithContainers stops the instance container around a restore.
func WithContainers(c ContainerController) BackupOption {
	return func(s *BackupService) { s.containers = c }
}

// WithOffsite copies every new archive to sink.
func WithOffsite(sink OffsiteSink) BackupOption {
	return func(s *BackupService) { s.offsite = sink }
}

// WithDiskSpace refuses to create archives when the temp volume has less than
// minFree bytes available.
func WithDiskSpace(d DiskSpace, minFree uint64) BackupOption {
	return func(s *BackupService) {
		s.disk = d
		s.minFree = minFree
	}
}

// WithMaxUploadBytes caps the size of an uploaded archive. Zero disables the cap.
func WithMaxUploadBytes(n int64) BackupOption {
	return func(s *BackupService) { s.maxUpload = n }
}

// WithArchiveMetrics records operation outcomes.
func WithArchiveMetrics(m metrics.ArchiveMetrics) BackupOption {
	return func(s *BackupService) { s.metrics = m }
}

// BackupService creates and restores instance archives.
type BackupService struct {
	codec        *archive.Codec
	eventService EventServiceProvider
	paths        BackupPaths
	locks        *instanceLocks

	quiescer   Quiescer
	containers ContainerController
	offsite    OffsiteSink
	disk       DiskSpace
	minFree    uint64
	maxUpload  int64
	metrics    metrics.ArchiveMetrics
}

// NewBackupService creates a new BackupService.
func NewBackupService(codec *archive.Codec, eventService EventServiceProvider, paths BackupPaths, opts ...BackupOption) (*BackupService, error) {
	for _, dir := range []string{paths.TempDir, paths.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	s := &BackupService{
		codec:        codec,
		eventService: eventService,
		paths:        paths,
		locks:        newInstanceLocks(),
		metrics:      metrics.NewArchiveMetrics(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BackupHandle is a finished archive waiting to be streamed. Callers must Close it.
type BackupHandle struct {
	Info models.ArchiveInfo

	once     sync.Once
	closeErr error
}

// WriteTo streams the archive to w. Any failure is wrapped in ErrTransferFailure.
func (h *BackupHandle) WriteTo(w io.Writer) (int64, error) {
	f, err := os.Open(h.Info.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransferFailure, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrTransferFailure, err)
	}
	return n, nil
}

// Close deletes the archive file. It is idempotent.
func (h *BackupHandle) Close() error {
	h.once.Do(func() {
		if err := os.Remove(h.Info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.closeErr = err
			log.Error().Err(err).Str("path", h.Info.Path).Msg("Failed to remove temporary archive")
		}
	})
	return h.closeErr
}

// CreateBackup archives the instance directory into a temporary file.
func (s *BackupService) CreateBackup(ctx context.Context, instanceID string) (*BackupHandle, error) {
	if err := ValidateInstanceID(instanceID); err != nil {
		return nil, err
	}
	start := time.Now()

	if s.disk != nil && s.minFree > 0 {
		free, err := s.disk.Free(s.paths.TempDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", s.paths.TempDir).Msg("Could not read free disk space")
		} else if free < s.minFree {
			s.metrics.ObserveArchive("create", "failed", 0, time.Since(start))
			return nil, fmt.Errorf("%w: %s free, %s required", ErrInsufficientSpace, humanize.IBytes(free), humanize.IBytes(s.minFree))
		}
	}

	info, err := s.pack(ctx, instanceID)
	if err != nil {
		s.metrics.ObserveArchive("create", "failed", 0, time.Since(start))
		s.recordEvent(ctx, "backup.create.failed", "error", fmt.Sprintf("Backup for %s failed: %v", instanceID, err), instanceID)
		return nil, err
	}

	if s.offsite != nil {
		key, err := s.offsite.Upload(ctx, info.FileName, info.Path)
		if err != nil {
			log.Warn().Err(err).Str("instance_id", instanceID).Msg("Offsite copy failed")
			s.recordEvent(ctx, "backup.offsite.failed", "warn", fmt.Sprintf("Offsite copy of %s failed: %v", info.FileName, err), instanceID)
		} else {
			info.OffsiteKey = key
		}
	}

	s.metrics.ObserveArchive("create", "success", info.Size, time.Since(start))
	log.Info().
		Str("instance_id", instanceID).
		Int("files", info.Files).
		Str("size", humanize.IBytes(uint64(info.Size))).
		Dur("took", time.Since(start)).
		Msg("Backup created")
	s.recordEvent(ctx, "backup.create", "info", fmt.Sprintf("Backup for %s created (%s).", instanceID, humanize.IBytes(uint64(info.Size))), instanceID)

	return &BackupHandle{Info: info}, nil
}

// pack holds the instance lock only while the directory is read.
func (s *BackupService) pack(ctx context.Context, instanceID string) (info models.ArchiveInfo, err error) {
	release, err := s.locks.acquire(ctx, instanceID)
	if err != nil {
		return info, err
	}
	defer release()

	dir := filepath.Join(s.paths.InstancesRoot, instanceID)
	if s.quiescer != nil {
		resume, qerr := s.quiescer.Quiesce(ctx, instanceID, dir)
		if qerr != nil {
			log.Warn().Err(qerr).Str("instance_id", instanceID).Msg("Could not quiesce instance, archiving live files")
		} else {
			defer resume()
		}
	}

	created := time.Now().UTC()
	name := fmt.Sprintf("%s%s-%d-%s.zip", BackupFilePrefix, instanceID, created.UnixNano(), token())
	path := filepath.Join(s.paths.TempDir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return info, fmt.Errorf("could not create archive file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	report, err := s.codec.Pack(ctx, dir, f, archive.Metadata{InstanceID: instanceID, CreatedAt: created})
	if err != nil {
		return info, err
	}
	for _, w := range report.Warnings {
		log.Warn().Err(w.Err).Str("instance_id", instanceID).Str("entry", w.Name).Msg("Skipped entry while archiving")
	}

	if err = f.Close(); err != nil {
		return info, fmt.Errorf("could not finalize archive file: %w", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return info, err
	}

	return models.ArchiveInfo{
		InstanceID: instanceID,
		FileName:   fmt.Sprintf("%s%s-%d.zip", BackupFilePrefix, instanceID, created.UnixMilli()),
		Path:       path,
		Size:       st.Size(),
		Files:      report.Files,
		CreatedAt:  created,
	}, nil
}

// RestoreBackup extracts an uploaded archive over the instance directory.
//
// Entry-level failures do not produce an error; they are listed in the result
// and reflected in its status. The error is non-nil only when nothing could be
// attempted (bad ID, unreadable upload, busy lock, container control failure).
func (s *BackupService) RestoreBackup(ctx context.Context, instanceID string, upload io.Reader) (models.RestoreResult, error) {
	if err := ValidateInstanceID(instanceID); err != nil {
		return failedResult(instanceID, err), err
	}
	start := time.Now()

	result, size, err := s.restore(ctx, instanceID, upload)
	if err != nil {
		s.metrics.ObserveArchive("restore", string(models.RestoreFailed), size, time.Since(start))
		s.recordEvent(ctx, "backup.restore.failed", "error", fmt.Sprintf("Restore for %s failed: %v", instanceID, err), instanceID)
		return failedResult(instanceID, err), err
	}

	s.metrics.ObserveArchive("restore", string(result.Status), size, time.Since(start))
	level := "info"
	if result.Status != models.RestoreSuccess {
		level = "warn"
	}
	s.recordEvent(ctx, "backup.restore.finish", level, result.Message, instanceID)
	log.Info().
		Str("instance_id", instanceID).
		Str("status", string(result.Status)).
		Int("restored", result.Restored).
		Int("failed", len(result.Failed)).
		Dur("took", time.Since(start)).
		Msg("Backup restored")
	return result, nil
}

func (s *BackupService) restore(ctx context.Context, instanceID string, upload io.Reader) (models.RestoreResult, int64, error) {
	spool, size, err := s.spool(instanceID, upload)
	if spool != "" {
		defer func() {
			if err := os.Remove(spool); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Error().Err(err).Str("path", spool).Msg("Failed to remove uploaded archive")
			}
		}()
	}
	if err != nil {
		return models.RestoreResult{}, size, err
	}

	release, err := s.locks.acquire(ctx, instanceID)
	if err != nil {
		return models.RestoreResult{}, size, err
	}
	defer release()

	s.recordEvent(ctx, "backup.restore.start", "warn", fmt.Sprintf("Restore for %s started.", instanceID), instanceID)

	wasRunning := false
	if s.containers != nil {
		wasRunning, err = s.containers.StopInstance(ctx, instanceID)
		if err != nil {
			return models.RestoreResult{}, size, fmt.Errorf("failed to stop instance before restoring: %w", err)
		}
	}
	if wasRunning {
		defer func() {
			// The request context may already be cancelled; restarting must still happen.
			startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := s.containers.StartInstance(startCtx, instanceID); err != nil {
				log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to restart instance after restore")
				s.recordEvent(startCtx, "instance.start.failed", "error", fmt.Sprintf("Instance %s did not restart after restore: %v", instanceID, err), instanceID)
			}
		}()
	}

	dir := filepath.Join(s.paths.InstancesRoot, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.RestoreResult{}, size, fmt.Errorf("failed to create instance directory: %w", err)
	}

	report, err := s.codec.UnpackFile(ctx, spool, dir, true)
	if err != nil {
		return models.RestoreResult{}, size, err
	}
	if report.Metadata.InstanceID != "" && report.Metadata.InstanceID != instanceID {
		log.Info().Str("instance_id", instanceID).Str("source_instance", report.Metadata.InstanceID).Msg("Restoring archive taken from another instance")
	}
	return resultFromReport(instanceID, report), size, nil
}

// spool copies the upload to a file in the upload directory and returns its
// path. The path is returned whenever the file was created, even on error.
func (s *BackupService) spool(instanceID string, upload io.Reader) (string, int64, error) {
	path := filepath.Join(s.paths.UploadDir, fmt.Sprintf("%s%s-%s.zip", UploadFilePrefix, instanceID, token()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("could not create upload file: %w", err)
	}

	src := upload
	if s.maxUpload > 0 {
		src = io.LimitReader(upload, s.maxUpload+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, n, fmt.Errorf("could not store upload: %w", err)
	}
	if s.maxUpload > 0 && n > s.maxUpload {
		return path, n, fmt.Errorf("%w: more than %s", ErrUploadTooLarge, humanize.IBytes(uint64(s.maxUpload)))
	}
	return path, n, nil
}

func resultFromReport(instanceID string, report *archive.UnpackReport) models.RestoreResult {
	result := models.RestoreResult{Restored: len(report.Restored)}
	for _, f := range report.Failures {
		result.Failed = append(result.Failed, models.EntryFailure{Path: f.Name, Error: f.Err.Error()})
	}

	switch {
	case len(result.Failed) == 0:
		result.Status = models.RestoreSuccess
		result.Message = fmt.Sprintf("Backup for %s restored successfully!", instanceID)
	case result.Restored > 0:
		result.Status = models.RestorePartial
		result.Message = fmt.Sprintf("Backup for %s partially restored: %d of %d entries failed.", instanceID, len(result.Failed), report.Entries)
	default:
		result.Status = models.RestoreFailed
		result.Message = fmt.Sprintf("Backup for %s could not be restored: all %d entries failed.", instanceID, len(result.Failed))
	}
	return result
}

func failedResult(instanceID string, err error) models.RestoreResult {
	return models.RestoreResult{
		Status:  models.RestoreFailed,
		Message: fmt.Sprintf("Backup for %s could not be restored: %v", instanceID, err),
	}
}

func (s *BackupService) recordEvent(ctx context.Context, eventType, level, message, instanceID string) {
	if s.eventService == nil {
		return
	}
	if err := s.eventService.CreateEvent(context.WithoutCancel(ctx), eventType, level, message, &instanceID); err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to record event")
	}
}

func token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

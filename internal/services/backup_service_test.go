package services

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/isdelr/ender-panel/internal/archive"
	"github.com/isdelr/ender-panel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	Type, Level, Message string
	InstanceID           string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) CreateEvent(_ context.Context, eventType, level, message string, instanceID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := recordedEvent{Type: eventType, Level: level, Message: message}
	if instanceID != nil {
		e.InstanceID = *instanceID
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEvents) GetRecentEvents(context.Context, int) ([]models.Event, error) {
	return nil, nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeQuiescer struct {
	calls, resumed int
	err            error
}

func (q *fakeQuiescer) Quiesce(context.Context, string, string) (func(), error) {
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	return func() { q.resumed++ }, nil
}

type fakeContainers struct {
	running bool
	stopped int
	started int
	stopErr error
}

func (c *fakeContainers) StopInstance(context.Context, string) (bool, error) {
	if c.stopErr != nil {
		return false, c.stopErr
	}
	c.stopped++
	was := c.running
	c.running = false
	return was, nil
}

func (c *fakeContainers) StartInstance(context.Context, string) error {
	c.started++
	c.running = true
	return nil
}

type fakeOffsite struct {
	names []string
	err   error
}

func (o *fakeOffsite) Upload(_ context.Context, name, path string) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	o.names = append(o.names, name)
	return "backups/" + name, nil
}

type fixedDisk uint64

func (d fixedDisk) Free(string) (uint64, error) { return uint64(d), nil }

type failingWriter struct{ after int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.after <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	w.after--
	return len(p), nil
}

type fixture struct {
	svc    *BackupService
	events *fakeEvents
	paths  BackupPaths
}

func newFixture(t *testing.T, opts ...BackupOption) *fixture {
	t.Helper()
	base := t.TempDir()
	paths := BackupPaths{
		InstancesRoot: filepath.Join(base, "data"),
		TempDir:       filepath.Join(base, "backups"),
		UploadDir:     filepath.Join(base, "uploads"),
	}
	require.NoError(t, os.MkdirAll(paths.InstancesRoot, 0o755))
	events := &fakeEvents{}
	svc, err := NewBackupService(archive.New(), events, paths, opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, events: events, paths: paths}
}

func (f *fixture) writeInstanceFile(t *testing.T, id, rel, content string) {
	t.Helper()
	path := filepath.Join(f.paths.InstancesRoot, id, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBackup_Srv42Scenario(t *testing.T) {
	f := newFixture(t)
	f.writeInstanceFile(t, "srv-42", "config.yml", "motd: hello\n")
	f.writeInstanceFile(t, "srv-42", "world/level.dat", "\x0a\x00\x00level")

	handle, err := f.svc.CreateBackup(context.Background(), "srv-42")
	require.NoError(t, err)
	assert.Regexp(t, `^backup-srv-42-\d+\.zip$`, handle.Info.FileName)
	assert.Regexp(t, `backup-srv-42-\d+-[0-9a-f]{8}\.zip$`, handle.Info.Path)
	assert.Equal(t, 2, handle.Info.Files)

	var buf bytes.Buffer
	_, err = handle.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, handle.Close())
	assert.Empty(t, dirEntries(t, f.paths.TempDir))

	assert.ElementsMatch(t, []string{"config.yml", "world/", "world/level.dat"}, zipNames(t, buf.Bytes()))

	require.NoError(t, os.RemoveAll(filepath.Join(f.paths.InstancesRoot, "srv-42")))
	require.NoError(t, os.Mkdir(filepath.Join(f.paths.InstancesRoot, "srv-42"), 0o755))

	result, err := f.svc.RestoreBackup(context.Background(), "srv-42", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, models.RestoreSuccess, result.Status)
	assert.Equal(t, "Backup for srv-42 restored successfully!", result.Message)
	assert.Equal(t, 3, result.Restored)

	got, err := os.ReadFile(filepath.Join(f.paths.InstancesRoot, "srv-42", "config.yml"))
	require.NoError(t, err)
	assert.Equal(t, "motd: hello\n", string(got))
	got, err = os.ReadFile(filepath.Join(f.paths.InstancesRoot, "srv-42", "world", "level.dat"))
	require.NoError(t, err)
	assert.Equal(t, "\x0a\x00\x00level", string(got))

	assert.Empty(t, dirEntries(t, f.paths.UploadDir))
	assert.Equal(t, []string{"backup.create", "backup.restore.start", "backup.restore.finish"}, f.events.types())
}

func TestBackup_RejectsMalformedIDsWithoutIO(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "..", "../etc", "a/b", `a\b`, "-lead", ".hidden", "srv 1", string(make([]byte, 70))} {
		_, err := f.svc.CreateBackup(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, id)

		upload := &countingReader{}
		result, err := f.svc.RestoreBackup(context.Background(), id, upload)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, id)
		assert.Equal(t, models.RestoreFailed, result.Status)
		assert.Zero(t, upload.reads, id)
	}
	assert.Empty(t, dirEntries(t, f.paths.TempDir))
	assert.Empty(t, dirEntries(t, f.paths.UploadDir))
	assert.Empty(t, dirEntries(t, f.paths.InstancesRoot))
	assert.Empty(t, f.events.types())
}

type countingReader struct{ reads int }

func (r *countingReader) Read([]byte) (int, error) {
	r.reads++
	return 0, io.EOF
}

func TestBackup_MissingInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBackup(context.Background(), "ghost")
	assert.ErrorIs(t, err, archive.ErrSourceNotFound)
	assert.Empty(t, dirEntries(t, f.paths.TempDir))
	assert.Equal(t, []string{"backup.create.failed"}, f.events.types())
}

func TestBackupHandle_TransferFailureStillCleansUp(t *testing.T) {
	f := newFixture(t)
	noise := make([]byte, 256<<10)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	f.writeInstanceFile(t, "srv-1", "noise.bin", string(noise))

	handle, err := f.svc.CreateBackup(context.Background(), "srv-1")
	require.NoError(t, err)

	_, err = handle.WriteTo(&failingWriter{after: 1})
	assert.ErrorIs(t, err, ErrTransferFailure)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	assert.Empty(t, dirEntries(t, f.paths.TempDir))
}

func TestBackup_InsufficientSpace(t *testing.T) {
	f := newFixture(t, WithDiskSpace(fixedDisk(1024), 1<<20))
	f.writeInstanceFile(t, "srv-1", "a", "a")

	_, err := f.svc.CreateBackup(context.Background(), "srv-1")
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Empty(t, dirEntries(t, f.paths.TempDir))
}

func TestBackup_QuiesceAndOffsite(t *testing.T) {
	q := &fakeQuiescer{}
	sink := &fakeOffsite{}
	f := newFixture(t, WithQuiescer(q), WithOffsite(sink))
	f.writeInstanceFile(t, "srv-1", "a", "a")

	handle, err := f.svc.CreateBackup(context.Background(), "srv-1")
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, 1, q.calls)
	assert.Equal(t, 1, q.resumed)
	require.Len(t, sink.names, 1)
	assert.Equal(t, "backups/"+handle.Info.FileName, handle.Info.OffsiteKey)
}

func TestBackup_QuiesceAndOffsiteFailuresAreNotFatal(t *testing.T) {
	q := &fakeQuiescer{err: errors.New("rcon refused")}
	sink := &fakeOffsite{err: errors.New("bucket gone")}
	f := newFixture(t, WithQuiescer(q), WithOffsite(sink))
	f.writeInstanceFile(t, "srv-1", "a", "a")

	handle, err := f.svc.CreateBackup(context.Background(), "srv-1")
	require.NoError(t, err)
	defer handle.Close()

	assert.Empty(t, handle.Info.OffsiteKey)
	assert.Contains(t, f.events.types(), "backup.offsite.failed")
}

func TestRestore_StopsAndRestartsRunningContainer(t *testing.T) {
	containers := &fakeContainers{running: true}
	f := newFixture(t, WithContainers(containers))
	data := buildZip(t, map[string]string{"server.properties": "motd=restored\n"})

	result, err := f.svc.RestoreBackup(context.Background(), "srv-7", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, models.RestoreSuccess, result.Status)
	assert.Equal(t, 1, containers.stopped)
	assert.Equal(t, 1, containers.started)

	got, err := os.ReadFile(filepath.Join(f.paths.InstancesRoot, "srv-7", "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=restored\n", string(got))
}

func TestRestore_LeavesStoppedContainerStopped(t *testing.T) {
	containers := &fakeContainers{}
	f := newFixture(t, WithContainers(containers))
	data := buildZip(t, map[string]string{"a": "a"})

	_, err := f.svc.RestoreBackup(context.Background(), "srv-7", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Zero(t, containers.started)
}

func TestRestore_StopFailureAbortsBeforeWriting(t *testing.T) {
	containers := &fakeContainers{stopErr: errors.New("daemon unavailable")}
	f := newFixture(t, WithContainers(containers))
	data := buildZip(t, map[string]string{"a": "a"})

	result, err := f.svc.RestoreBackup(context.Background(), "srv-7", bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, models.RestoreFailed, result.Status)
	assert.NoDirExists(t, filepath.Join(f.paths.InstancesRoot, "srv-7"))
	assert.Empty(t, dirEntries(t, f.paths.UploadDir))
}

func TestRestore_PartialWithTraversalEntry(t *testing.T) {
	f := newFixture(t)
	data := buildZip(t, map[string]string{
		"../../escape.txt": "pwned",
		"ok.txt":           "fine",
	})

	result, err := f.svc.RestoreBackup(context.Background(), "srv-1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, models.RestorePartial, result.Status)
	assert.Equal(t, 1, result.Restored)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "../../escape.txt", result.Failed[0].Path)

	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.paths.InstancesRoot), "escape.txt"))
	assert.FileExists(t, filepath.Join(f.paths.InstancesRoot, "srv-1", "ok.txt"))
}

func TestRestore_AllEntriesFail(t *testing.T) {
	f := newFixture(t)
	data := buildZip(t, map[string]string{"../x": "x"})

	result, err := f.svc.RestoreBackup(context.Background(), "srv-1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, models.RestoreFailed, result.Status)
}

func TestRestore_NotAZip(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.RestoreBackup(context.Background(), "srv-1", bytes.NewReader([]byte("garbage")))
	require.Error(t, err)
	assert.Equal(t, models.RestoreFailed, result.Status)
	assert.Empty(t, dirEntries(t, f.paths.UploadDir))
}

func TestRestore_UploadTooLarge(t *testing.T) {
	f := newFixture(t, WithMaxUploadBytes(16))
	data := buildZip(t, map[string]string{"a": "aaaaaaaaaaaaaaaaaaaaaaaaaaaa"})

	_, err := f.svc.RestoreBackup(context.Background(), "srv-1", bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrUploadTooLarge)
	assert.Empty(t, dirEntries(t, f.paths.UploadDir))
}

func TestInstanceLocks_SerializeSameID(t *testing.T) {
	locks := newInstanceLocks()
	release, err := locks.acquire(context.Background(), "srv-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "srv-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.acquire(context.Background(), "srv-2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.Zero(t, locks.len())

	again, err := locks.acquire(context.Background(), "srv-1")
	require.NoError(t, err)
	again()
}

func buildZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

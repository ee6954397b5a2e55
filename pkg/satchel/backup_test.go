package satchel

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openBackupSource seeds a file-backed database large enough to span
// multiple backup steps at a small page rate.
func openBackupSource(t *testing.T) *Database {
	t.Helper()
	db, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "source.db")))
	require.NoError(t, err)
	t.Cleanup(func() {
		if db.IsOpen() {
			_ = db.Close()
		}
	})

	require.NoError(t, db.Exec("CREATE TABLE bulk (id INTEGER PRIMARY KEY, payload TEXT)"))
	ins, err := db.Prepare("INSERT INTO bulk (payload) VALUES (?)")
	require.NoError(t, err)
	defer ins.Finalize()
	payload := strings.Repeat("x", 1024)
	for i := 0; i < 200; i++ {
		_, err = ins.Run(payload)
		require.NoError(t, err)
	}
	return db
}

func TestBackupCopiesDatabase(t *testing.T) {
	src := openBackupSource(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	job, err := src.Backup(dest, nil)
	require.NoError(t, err)
	pages, err := job.Wait()
	require.NoError(t, err)
	assert.Positive(t, pages)

	// The copy is a complete, openable database.
	copied, err := Open(DefaultConfig(dest))
	require.NoError(t, err)
	defer copied.Close()
	assert.Equal(t, int64(200), selectOne(t, copied, "SELECT COUNT(*) FROM bulk"))
}

func TestBackupProgressIsMonotonic(t *testing.T) {
	src := openBackupSource(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	var reports []BackupProgress
	job, err := src.Backup(dest, &BackupOptions{
		Rate:     4,
		Progress: func(p BackupProgress) { reports = append(reports, p) },
	})
	require.NoError(t, err)
	pages, err := job.Wait()
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	prev := 0
	for _, p := range reports {
		assert.GreaterOrEqual(t, p.CurrentPage, prev)
		assert.LessOrEqual(t, p.CurrentPage, p.TotalPages)
		assert.Equal(t, pages, p.TotalPages, "total page count is fixed for the whole job")
		prev = p.CurrentPage
	}
}

func TestBackupNegativeRateCopiesEverythingAtOnce(t *testing.T) {
	src := openBackupSource(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	job, err := src.Backup(dest, &BackupOptions{Rate: -1})
	require.NoError(t, err)
	pages, err := job.Wait()
	require.NoError(t, err)
	assert.Positive(t, pages)
}

func TestBackupPreconditionsFailSynchronously(t *testing.T) {
	src := openBackupSource(t)

	_, err := src.Backup("", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, src.Close())
	_, err = src.Backup(filepath.Join(t.TempDir(), "copy.db"), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBackupFailureReportedThroughJob(t *testing.T) {
	src := openBackupSource(t)

	// A directory path can never be opened as the destination database.
	job, err := src.Backup(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = job.Wait()
	require.Error(t, err)
	var ee *EngineError
	assert.ErrorAs(t, err, &ee)
}

func TestCloseJoinsRunningBackups(t *testing.T) {
	src := openBackupSource(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	job, err := src.Backup(dest, &BackupOptions{Rate: 2})
	require.NoError(t, err)

	// Close blocks until the job settles; afterwards none remain.
	require.NoError(t, src.Close())
	assert.Equal(t, 0, src.ActiveBackups())

	select {
	case <-job.Done():
	default:
		t.Fatal("backup job still running after Close returned")
	}
	_, err = job.Wait()
	assert.NoError(t, err)
}

func TestBackupDoneChannel(t *testing.T) {
	src := openBackupSource(t)
	dest := filepath.Join(t.TempDir(), "copy.db")

	job, err := src.Backup(dest, nil)
	require.NoError(t, err)
	<-job.Done()
	pages, err := job.Wait()
	require.NoError(t, err)
	assert.Positive(t, pages)
}

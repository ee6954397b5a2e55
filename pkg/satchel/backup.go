// Backup coordinator: a page-by-page copy of one database into a destination
// file, run on its own goroutine with its own thread state and destination
// handle. The source handle is only ever read; the engine's backup API makes
// that safe under its internal locking.
// See docs/ARCHITECTURE.md § Backup Coordinator.
package satchel

import (
	"fmt"
	"time"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// defaultBackupRate is the page batch copied per backup step when the caller
// does not choose one.
const defaultBackupRate = 100

// BackupOptions configure a backup job.
type BackupOptions struct {
	// Rate is the number of pages copied per step. Zero selects the default;
	// a negative rate copies everything remaining in one call.
	Rate int

	// SourceDB and TargetDB are logical database names, both defaulting to
	// "main".
	SourceDB string
	TargetDB string

	// Progress, if set, receives page-count updates. It is invoked on the
	// goroutine that calls Wait, never on the backup goroutine.
	Progress func(BackupProgress)
}

// BackupProgress is one progress report. CurrentPage never decreases and
// never exceeds TotalPages.
type BackupProgress struct {
	CurrentPage int
	TotalPages  int
}

// BackupJob is the future for one scheduled backup. Once started a job runs
// to completion or failure; there is no mid-flight abort.
type BackupJob struct {
	progress chan BackupProgress
	cb       func(BackupProgress)
	done     chan struct{}

	// Set by the backup goroutine before done closes.
	pages int
	err   error
}

// Backup schedules a page-by-page copy of this database into the file at
// destination and returns immediately. Precondition failures (closed
// database, wrong goroutine, empty destination) surface synchronously;
// everything that happens off-thread is reported only through the job.
func (d *Database) Backup(destination string, opts *BackupOptions) (*BackupJob, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, fmt.Errorf("destination must not be empty: %w", ErrInvalidArgument)
	}
	if opts == nil {
		opts = &BackupOptions{}
	}
	rate := opts.Rate
	if rate == 0 {
		rate = defaultBackupRate
	}
	sourceDB := opts.SourceDB
	if sourceDB == "" {
		sourceDB = "main"
	}
	targetDB := opts.TargetDB
	if targetDB == "" {
		targetDB = "main"
	}

	job := &BackupJob{
		progress: make(chan BackupProgress, 16),
		cb:       opts.Progress,
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	d.activeBackups++
	d.mu.Unlock()
	d.backups.Add(1)

	src := d.db
	go func() {
		defer func() {
			d.mu.Lock()
			d.activeBackups--
			d.mu.Unlock()
			// Settle the job before releasing the join: Close returning
			// must imply Done is closed.
			close(job.done)
			d.backups.Done()
		}()
		job.pages, job.err = runBackup(src, destination, sourceDB, targetDB, rate, job)
	}()
	return job, nil
}

// Wait blocks until the job settles, delivering queued progress reports to
// the Progress callback on the calling goroutine. It returns the total page
// count of the source database on success.
func (j *BackupJob) Wait() (int, error) {
	for {
		select {
		case p := <-j.progress:
			if j.cb != nil {
				j.cb(p)
			}
		case <-j.done:
			for {
				select {
				case p := <-j.progress:
					if j.cb != nil {
						j.cb(p)
					}
				default:
					return j.pages, j.err
				}
			}
		}
	}
}

// Done returns a channel closed when the job settles.
func (j *BackupJob) Done() <-chan struct{} { return j.done }

// emit queues a progress report without ever blocking the copy loop; when
// the queue is full the oldest report is dropped in favor of the newest.
func (j *BackupJob) emit(p BackupProgress) {
	if j.cb == nil {
		return
	}
	for {
		select {
		case j.progress <- p:
			return
		default:
			select {
			case <-j.progress:
			default:
			}
		}
	}
}

// runBackup executes the copy loop on the backup goroutine. The backup
// cursor is always finished before the destination handle closes: the
// engine's error introspection needs the destination still open.
func runBackup(src uintptr, destination, sourceDB, targetDB string, rate int, job *BackupJob) (int, error) {
	tls := libc.NewTLS()
	defer tls.Close()

	dest, err := openHandle(tls, destination, OpenReadWrite|OpenCreate|OpenURI)
	if err != nil {
		return 0, fmt.Errorf("failed to open backup destination: %w", err)
	}
	defer sqlite3.Xsqlite3_close_v2(tls, dest)

	zTarget, err := cString(tls, targetDB)
	if err != nil {
		return 0, err
	}
	defer libcFree(tls, zTarget)
	zSource, err := cString(tls, sourceDB)
	if err != nil {
		return 0, err
	}
	defer libcFree(tls, zSource)

	cursor := sqlite3.Xsqlite3_backup_init(tls, dest, zTarget, src, zSource)
	if cursor == 0 {
		return 0, fmt.Errorf("failed to initialize backup: %w",
			engineError(tls, dest, sqlite3.Xsqlite3_errcode(tls, dest)))
	}
	defer sqlite3.Xsqlite3_backup_finish(tls, cursor)

	step := int32(rate)
	if rate < 0 {
		step = -1
	}

	// The total page count is unknown until the engine reports it after the
	// first step.
	totalPages := 0
	for {
		rc := sqlite3.Xsqlite3_backup_step(tls, cursor, step)
		if totalPages == 0 {
			totalPages = int(sqlite3.Xsqlite3_backup_pagecount(tls, cursor))
		}

		switch {
		case rc == sqlite3.SQLITE_OK || rc == sqlite3.SQLITE_DONE:
			remaining := int(sqlite3.Xsqlite3_backup_remaining(tls, cursor))
			if totalPages > 0 {
				job.emit(BackupProgress{CurrentPage: totalPages - remaining, TotalPages: totalPages})
			}
			if rc == sqlite3.SQLITE_DONE {
				return totalPages, nil
			}
		case rc == sqlite3.SQLITE_BUSY || rc == sqlite3.SQLITE_LOCKED:
			// Transient; back off briefly and retry the step.
			time.Sleep(25 * time.Millisecond)
		default:
			return 0, fmt.Errorf("backup failed: %w", engineError(tls, dest, rc))
		}
	}
}

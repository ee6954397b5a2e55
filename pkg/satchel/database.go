// Database: ownership of one engine connection handle, its configuration,
// and the statements, sessions, and backup jobs derived from it.
// See docs/ARCHITECTURE.md § Connection Manager.
package satchel

import (
	"fmt"
	"sync"
	"time"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryLocation opens a private in-memory database.
const MemoryLocation = ":memory:"

// Open-mode flags, numerically identical to the engine's own constants.
const (
	OpenReadOnly  = sqlite3.SQLITE_OPEN_READONLY
	OpenReadWrite = sqlite3.SQLITE_OPEN_READWRITE
	OpenCreate    = sqlite3.SQLITE_OPEN_CREATE
	OpenURI       = sqlite3.SQLITE_OPEN_URI
)

// Config controls how a Database opens its engine handle. The zero value of
// every field except Location is usable; DefaultConfig supplies the stock
// defaults (foreign keys on).
type Config struct {
	// Location is a filesystem path or MemoryLocation.
	Location string

	ReadOnly bool

	// EnableForeignKeys turns on foreign-key enforcement immediately after
	// the handle opens.
	EnableForeignKeys bool

	// EnableDoubleQuotedStringLiterals restores the legacy double-quoted
	// string literal mode for both DML and DDL.
	EnableDoubleQuotedStringLiterals bool

	// Timeout is the engine's busy handler timeout. Zero leaves busy
	// handling off.
	Timeout time.Duration

	// AllowExtension records the extension-loading permission. The pure-Go
	// engine build omits the loadable-extension machinery, so LoadExtension
	// always fails, but the flag is tracked for configuration parity.
	AllowExtension bool
}

// DefaultConfig returns the stock configuration for location.
func DefaultConfig(location string) Config {
	return Config{
		Location:          location,
		EnableForeignKeys: true,
	}
}

// Database wraps one engine connection handle. It is bound to the goroutine
// that opened it; only backup jobs ever touch it from elsewhere, and they
// only read.
type Database struct {
	cfg   Config
	tls   *libc.TLS
	db    uintptr
	owner uint64
	open  bool

	stmtSeq uint64
	stmts   map[uint64]*Statement

	// mu guards the session set and backup bookkeeping, the only state
	// shared with backup goroutines.
	mu            sync.Mutex
	sessions      map[*Session]struct{}
	backups       sync.WaitGroup
	activeBackups int
}

// Open opens a database at cfg.Location and applies the configuration. If
// any configuration step fails the half-configured handle is closed before
// the error is returned.
func Open(cfg Config) (*Database, error) {
	d := New(cfg)
	if err := d.OpenHandle(); err != nil {
		return nil, err
	}
	return d, nil
}

// New returns an unopened Database. Call OpenHandle before use.
func New(cfg Config) *Database {
	return &Database{cfg: cfg}
}

// OpenHandle opens the engine handle for a Database built with New.
func (d *Database) OpenHandle() error {
	if d.open {
		return fmt.Errorf("database is already open: %w", ErrInvalidState)
	}
	if d.cfg.Location == "" {
		return fmt.Errorf("location must not be empty: %w", ErrInvalidArgument)
	}

	tls := libc.NewTLS()
	db, err := openHandle(tls, d.cfg.Location, openFlags(d.cfg.ReadOnly))
	if err != nil {
		tls.Close()
		return err
	}

	if err := configureHandle(tls, db, d.cfg); err != nil {
		// Roll back: never leak a half-configured connection.
		sqlite3.Xsqlite3_close_v2(tls, db)
		tls.Close()
		return err
	}

	d.tls = tls
	d.db = db
	d.owner = goroutineID()
	d.open = true
	d.stmts = make(map[uint64]*Statement)
	d.sessions = make(map[*Session]struct{})
	return nil
}

func openFlags(readOnly bool) int32 {
	if readOnly {
		return OpenReadOnly
	}
	return OpenReadWrite | OpenCreate
}

// openHandle runs sqlite3_open_v2 and returns the connection handle. On a
// non-OK status the engine may still hand back a handle carrying the error
// message; it is read and the handle released.
func openHandle(tls *libc.TLS, location string, flags int32) (uintptr, error) {
	zName, err := cString(tls, location)
	if err != nil {
		return 0, err
	}
	defer libcFree(tls, zName)

	ppDB, err := libcMalloc(tls, ptrSize)
	if err != nil {
		return 0, err
	}
	defer libcFree(tls, ppDB)

	rc := sqlite3.Xsqlite3_open_v2(tls, zName, ppDB, flags, 0)
	db := derefPtr(ppDB)
	if rc != sqlite3.SQLITE_OK {
		e := engineError(tls, db, rc)
		if db != 0 {
			sqlite3.Xsqlite3_close_v2(tls, db)
		}
		return 0, fmt.Errorf("failed to open database %q: %w", location, e)
	}
	return db, nil
}

// configureHandle applies the post-open configuration in the documented
// order: foreign keys, busy timeout, then double-quoted literal mode.
func configureHandle(tls *libc.TLS, db uintptr, cfg Config) error {
	if cfg.EnableForeignKeys {
		if err := execRaw(tls, db, "PRAGMA foreign_keys = ON"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if cfg.Timeout > 0 {
		if rc := sqlite3.Xsqlite3_busy_timeout(tls, db, int32(cfg.Timeout/time.Millisecond)); rc != sqlite3.SQLITE_OK {
			return fmt.Errorf("failed to set busy timeout: %w", engineError(tls, db, rc))
		}
	}

	if cfg.EnableDoubleQuotedStringLiterals {
		for _, verb := range []int32{sqlite3.SQLITE_DBCONFIG_DQS_DML, sqlite3.SQLITE_DBCONFIG_DQS_DDL} {
			if rc := dbConfigInt(tls, db, verb, 1); rc != sqlite3.SQLITE_OK {
				return fmt.Errorf("failed to configure double-quoted literals: %w", engineError(tls, db, rc))
			}
		}
	}
	return nil
}

// dbConfigInt invokes the varargs sqlite3_db_config with an (int onoff,
// int *pOut) tail, discarding the out value.
func dbConfigInt(tls *libc.TLS, db uintptr, verb int32, onoff int32) int32 {
	bp := tls.Alloc(32)
	defer tls.Free(32)
	return sqlite3.Xsqlite3_db_config(tls, db, verb, libc.VaList(bp, onoff, 0))
}

func execRaw(tls *libc.TLS, db uintptr, sql string) error {
	zSQL, err := cString(tls, sql)
	if err != nil {
		return err
	}
	defer libcFree(tls, zSQL)
	if rc := sqlite3.Xsqlite3_exec(tls, db, zSQL, 0, 0, 0); rc != sqlite3.SQLITE_OK {
		return engineError(tls, db, rc)
	}
	return nil
}

// check validates goroutine affinity and open state, in that order, before
// any engine handle is touched.
func (d *Database) check() error {
	if err := d.checkOwner(); err != nil {
		return err
	}
	if !d.open {
		return fmt.Errorf("database is not open: %w", ErrInvalidState)
	}
	return nil
}

func (d *Database) checkOwner() error {
	// A database that never opened has no owner yet.
	if d.owner != 0 && goroutineID() != d.owner {
		return fmt.Errorf("database handle belongs to goroutine %d: %w", d.owner, ErrThreadAffinity)
	}
	return nil
}

// IsOpen reports whether the engine handle is open. It never touches the
// engine and is safe from any goroutine.
func (d *Database) IsOpen() bool { return d.open }

// Location returns the configured database location.
func (d *Database) Location() string { return d.cfg.Location }

// InTransaction reports whether the connection has an open transaction.
func (d *Database) InTransaction() (bool, error) {
	if err := d.check(); err != nil {
		return false, err
	}
	return sqlite3.Xsqlite3_get_autocommit(d.tls, d.db) == 0, nil
}

// Exec runs one or more SQL statements directly, without parameters and
// without results.
func (d *Database) Exec(sql string) error {
	if err := d.check(); err != nil {
		return err
	}
	return execRaw(d.tls, d.db, sql)
}

// Prepare compiles sql into a reusable Statement owned by this Database.
func (d *Database) Prepare(sql string) (*Statement, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	zSQL, err := cString(d.tls, sql)
	if err != nil {
		return nil, err
	}
	defer libcFree(d.tls, zSQL)

	out, err := libcMalloc(d.tls, 2*ptrSize)
	if err != nil {
		return nil, err
	}
	defer libcFree(d.tls, out)
	ppStmt, pzTail := out, out+uintptr(ptrSize)

	if rc := sqlite3.Xsqlite3_prepare_v2(d.tls, d.db, zSQL, -1, ppStmt, pzTail); rc != sqlite3.SQLITE_OK {
		return nil, fmt.Errorf("failed to prepare statement: %w", engineError(d.tls, d.db, rc))
	}
	handle := derefPtr(ppStmt)
	if handle == 0 {
		return nil, fmt.Errorf("sql contains no statement: %w", ErrInvalidArgument)
	}

	d.stmtSeq++
	s := &Statement{db: d, handle: handle, src: sql, key: d.stmtSeq}
	d.stmts[s.key] = s
	return s, nil
}

// LoadExtension is not supported: the pure-Go engine build omits the
// loadable-extension machinery. The call always returns an engine-level
// unsupported error; see Config.AllowExtension.
func (d *Database) LoadExtension(path string) error {
	if err := d.check(); err != nil {
		return err
	}
	if !d.cfg.AllowExtension {
		return fmt.Errorf("extension loading is not allowed for this database: %w", ErrInvalidState)
	}
	return &EngineError{Code: sqlite3.SQLITE_ERROR, Message: "extension loading is not supported by this engine build"}
}

// Close finalizes every child statement, deletes every session, joins any
// in-flight backup jobs, and releases the engine handle. The Database is
// terminally closed afterwards.
func (d *Database) Close() error {
	if err := d.checkOwner(); err != nil {
		return err
	}
	if !d.open {
		return fmt.Errorf("database is not open: %w", ErrInvalidState)
	}

	// Children first: the engine forbids closing a handle with undisposed
	// statements or sessions.
	for key, s := range d.stmts {
		sqlite3.Xsqlite3_finalize(d.tls, s.handle)
		s.handle = 0
		s.finalized = true
		delete(d.stmts, key)
	}

	d.mu.Lock()
	for s := range d.sessions {
		sqlite3.Xsqlite3session_delete(d.tls, s.handle)
		s.handle = 0
	}
	d.sessions = make(map[*Session]struct{})
	d.mu.Unlock()

	// Join backup jobs before dropping the source handle they read from.
	d.backups.Wait()

	if rc := sqlite3.Xsqlite3_close(d.tls, d.db); rc != sqlite3.SQLITE_OK {
		// Forced variant still releases the handle, discarding pending work.
		sqlite3.Xsqlite3_close_v2(d.tls, d.db)
	}
	d.db = 0
	d.open = false
	d.tls.Close()
	d.tls = nil
	return nil
}

// ActiveBackups returns the number of backup jobs currently running against
// this Database.
func (d *Database) ActiveBackups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeBackups
}

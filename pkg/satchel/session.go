// Session/changeset manager: records row mutations into opaque engine byte
// buffers and replays such buffers with conflict and filter policy hooks.
// The buffer layouts are owned entirely by the engine and never interpreted
// here. See docs/ARCHITECTURE.md § Session Manager.
package satchel

import (
	"fmt"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Changeset conflict kinds handed to OnConflict, numerically identical to
// the engine's SQLITE_CHANGESET_* constants: changesets produced by one
// party may be consumed by another.
const (
	ChangesetData       = 1
	ChangesetNotFound   = 2
	ChangesetConflict   = 3
	ChangesetConstraint = 4
	ChangesetForeignKey = 5
)

// Conflict resolutions returned by OnConflict.
const (
	ChangesetOmit    = 0
	ChangesetReplace = 1
	ChangesetAbort   = 2
)

// SessionOptions select what a session records.
type SessionOptions struct {
	// Table restricts recording to one table. Empty attaches to all tables.
	Table string

	// DB is the logical database name; empty means "main".
	DB string
}

// Session wraps one engine session handle attached to its Database. The
// owning Database deletes every outstanding session before closing its own
// handle, as the engine requires.
type Session struct {
	db     *Database
	handle uintptr
}

// CreateSession attaches a new change-tracking session to the database.
func (d *Database) CreateSession(opts SessionOptions) (*Session, error) {
	if err := d.check(); err != nil {
		return nil, err
	}

	dbName := opts.DB
	if dbName == "" {
		dbName = "main"
	}
	zDB, err := cString(d.tls, dbName)
	if err != nil {
		return nil, err
	}
	defer libcFree(d.tls, zDB)

	pp, err := libcMalloc(d.tls, ptrSize)
	if err != nil {
		return nil, err
	}
	defer libcFree(d.tls, pp)

	if rc := sqlite3.Xsqlite3session_create(d.tls, d.db, zDB, pp); rc != sqlite3.SQLITE_OK {
		return nil, fmt.Errorf("failed to create session: %w", engineError(d.tls, d.db, rc))
	}
	handle := derefPtr(pp)

	var zTab uintptr
	if opts.Table != "" {
		if zTab, err = cString(d.tls, opts.Table); err != nil {
			sqlite3.Xsqlite3session_delete(d.tls, handle)
			return nil, err
		}
		defer libcFree(d.tls, zTab)
	}
	if rc := sqlite3.Xsqlite3session_attach(d.tls, handle, zTab); rc != sqlite3.SQLITE_OK {
		e := engineError(d.tls, d.db, rc)
		sqlite3.Xsqlite3session_delete(d.tls, handle)
		return nil, fmt.Errorf("failed to attach session: %w", e)
	}

	s := &Session{db: d, handle: handle}
	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// Changeset materializes the recorded operations as an engine changeset.
func (s *Session) Changeset() ([]byte, error) {
	return s.generate(sqlite3.Xsqlite3session_changeset)
}

// Patchset materializes the recorded operations as the more compact patchset
// form.
func (s *Session) Patchset() ([]byte, error) {
	return s.generate(sqlite3.Xsqlite3session_patchset)
}

// generate asks the engine to serialize the session into a freshly allocated
// buffer, copies it into Go memory, and frees the engine-owned original.
func (s *Session) generate(fn func(*libc.TLS, uintptr, uintptr, uintptr) int32) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	tls := s.db.tls

	out, err := libcMalloc(tls, 8+ptrSize)
	if err != nil {
		return nil, err
	}
	defer libcFree(tls, out)
	pn, pp := out, out+8

	if rc := fn(tls, s.handle, pn, pp); rc != sqlite3.SQLITE_OK {
		return nil, fmt.Errorf("failed to generate changeset: %w", engineError(tls, s.db.db, rc))
	}
	p := derefPtr(pp)
	buf := goBytes(p, int(derefInt32(pn)))
	sqlite3.Xsqlite3_free(tls, p)
	return buf, nil
}

// Close detaches and deletes the session handle. Closing twice fails with
// ErrInvalidState.
func (s *Session) Close() error {
	if err := s.check(); err != nil {
		return err
	}
	sqlite3.Xsqlite3session_delete(s.db.tls, s.handle)
	s.handle = 0
	s.db.mu.Lock()
	delete(s.db.sessions, s)
	s.db.mu.Unlock()
	return nil
}

func (s *Session) check() error {
	if err := s.db.checkOwner(); err != nil {
		return err
	}
	if s.handle == 0 {
		return fmt.Errorf("session is not open: %w", ErrInvalidState)
	}
	if !s.db.open {
		return fmt.Errorf("database connection is closed: %w", ErrInvalidState)
	}
	return nil
}

// ApplyChangesetOptions carry the replay policy callbacks.
type ApplyChangesetOptions struct {
	// OnConflict maps a conflict kind (Changeset* constants) to a resolution
	// code. Absent, every conflict is omitted. A panic aborts the apply.
	OnConflict func(conflictType int) int

	// Filter decides per-table inclusion before any row of that table is
	// touched. Absent, every table is included.
	Filter func(table string) bool
}

type applyHooks struct {
	onConflict func(int) int
	filter     func(string) bool
	panicked   any
}

var (
	xConflictPtr = cFuncPtr(conflictTrampoline)
	xFilterPtr   = cFuncPtr(filterTrampoline)
)

// ApplyChangeset replays a changeset or patchset buffer against this
// database. It returns true on full success and false when the engine
// reports a controlled abort; any other non-OK status is an error carrying
// the engine's message.
func (d *Database) ApplyChangeset(changeset []byte, opts *ApplyChangesetOptions) (bool, error) {
	if err := d.check(); err != nil {
		return false, err
	}
	if len(changeset) == 0 {
		return false, fmt.Errorf("changeset must not be empty: %w", ErrInvalidArgument)
	}

	hooks := &applyHooks{}
	if opts != nil {
		hooks.onConflict = opts.OnConflict
		hooks.filter = opts.Filter
	}
	id := adapters.add(hooks)
	defer adapters.remove(id)

	pBuf, err := cBytes(d.tls, changeset)
	if err != nil {
		return false, err
	}
	defer libcFree(d.tls, pBuf)

	rc := sqlite3.Xsqlite3changeset_apply(d.tls, d.db, int32(len(changeset)), pBuf,
		xFilterPtr, xConflictPtr, id)
	if hooks.panicked != nil {
		return false, fmt.Errorf("%w: conflict handler panicked: %v", ErrCallback, hooks.panicked)
	}
	switch rc {
	case sqlite3.SQLITE_OK:
		return true, nil
	case sqlite3.SQLITE_ABORT:
		// A controlled outcome, not an error.
		return false, nil
	default:
		return false, fmt.Errorf("failed to apply changeset: %w", engineError(d.tls, d.db, rc))
	}
}

func conflictTrampoline(tls *libc.TLS, pCtx uintptr, eConflict int32, pIter uintptr) int32 {
	hooks, _ := adapters.get(pCtx).(*applyHooks)
	if hooks == nil || hooks.onConflict == nil {
		return ChangesetOmit
	}
	var resolution int32 = ChangesetAbort
	func() {
		defer func() {
			if p := recover(); p != nil {
				hooks.panicked = p
			}
		}()
		resolution = int32(hooks.onConflict(int(eConflict)))
	}()
	return resolution
}

func filterTrampoline(tls *libc.TLS, pCtx uintptr, zTab uintptr) int32 {
	hooks, _ := adapters.get(pCtx).(*applyHooks)
	if hooks == nil || hooks.filter == nil {
		return 1
	}
	var include int32
	func() {
		defer func() {
			if p := recover(); p != nil {
				hooks.panicked = p
			}
		}()
		if hooks.filter(libc.GoString(zTab)) {
			include = 1
		}
	}()
	return include
}

// Row iterator: a single-pass, forward-only lazy sequence over one
// Statement invocation. See docs/ARCHITECTURE.md § Row Iterator.
package satchel

import (
	sqlite3 "modernc.org/sqlite/lib"
)

// Rows steps lazily through a Statement's pending result rows. It shares the
// Statement's single handle: starting a new Iterate invalidates stepping any
// previous iterator (last caller wins). A Rows is not restartable; once done
// it stays done.
type Rows struct {
	stmt *Statement
	row  *Row
	err  error
	done bool
}

// Iterate resets the statement, binds args, and returns a lazy iterator over
// the result rows.
func (s *Statement) Iterate(args ...any) (*Rows, error) {
	if err := s.rebind(args); err != nil {
		return nil, err
	}
	return &Rows{stmt: s}, nil
}

// Next steps the engine once. It returns true with the row available via
// Row, or false when iteration completed or failed; completion auto-resets
// the statement handle.
func (r *Rows) Next() bool {
	if r.done {
		return false
	}
	if err := r.stmt.check(); err != nil {
		r.err = err
		r.done = true
		return false
	}

	tls := r.stmt.db.tls
	switch rc := sqlite3.Xsqlite3_step(tls, r.stmt.handle); rc {
	case sqlite3.SQLITE_ROW:
		row, err := r.stmt.materialize()
		if err != nil {
			r.err = err
			r.finish()
			return false
		}
		r.row = row
		return true
	case sqlite3.SQLITE_DONE:
		r.finish()
		return false
	default:
		r.err = engineError(tls, r.stmt.db.db, rc)
		r.finish()
		return false
	}
}

// Row returns the row materialized by the last successful Next.
func (r *Rows) Row() *Row { return r.row }

// Err returns the first error encountered while stepping, if any.
func (r *Rows) Err() error { return r.err }

// Close abandons the iteration early: the statement handle is reset so a
// subsequent Iterate restarts cleanly, and the iterator is permanently
// exhausted. Closing a finished iterator is a no-op.
func (r *Rows) Close() error {
	if r.done {
		return nil
	}
	if err := r.stmt.check(); err != nil {
		r.done = true
		return err
	}
	r.finish()
	return nil
}

func (r *Rows) finish() {
	sqlite3.Xsqlite3_reset(r.stmt.db.tls, r.stmt.handle)
	r.row = nil
	r.done = true
}

// Statement: one prepared-statement handle plus its lazily compiled
// parameter map. Statements are reusable: Run, Get, All, and Iterate each
// reset the handle and clear prior bindings first.
// See docs/ARCHITECTURE.md § Statement Engine.
package satchel

import (
	"fmt"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Statement wraps one prepared-statement handle. It never outlives its
// Database: every operation revalidates that the Database is still open and
// that the call comes from the owning goroutine.
type Statement struct {
	db        *Database
	handle    uintptr
	src       string
	key       uint64
	finalized bool

	readBigInts    bool
	returnArrays   bool
	allowBareNames bool

	// bareNames maps a parameter name without its marker prefix to the full
	// declared name. Built once, lazily, on first named bind.
	bareNames map[string]string
}

// RunResult reports the outcome of a statement that does not return rows.
type RunResult struct {
	Changes         int64
	LastInsertRowID int64
}

// Row is one materialized result row. Values holds the marshalled cells in
// column order. Named maps column name to value and is nil when the
// statement is in array mode.
type Row struct {
	Cols   []string
	Values []any
	Named  map[string]any
}

// ColumnMeta describes one result column of a prepared statement.
type ColumnMeta struct {
	Name         string
	OriginColumn string
	Table        string
	Database     string
	DeclaredType string
}

// SetReadBigInts switches integer columns and callback results wider than
// the narrow range to *big.Int instead of rejecting values beyond the safe
// integer range.
func (s *Statement) SetReadBigInts(on bool) error {
	if err := s.check(); err != nil {
		return err
	}
	s.readBigInts = on
	return nil
}

// SetReturnArrays materializes rows as positional sequences instead of keyed
// records: Row.Named stays nil.
func (s *Statement) SetReturnArrays(on bool) error {
	if err := s.check(); err != nil {
		return err
	}
	s.returnArrays = on
	return nil
}

// SetAllowBareNamedParameters permits named-parameter keys without their
// marker prefix, resolved through a precomputed lookup table.
func (s *Statement) SetAllowBareNamedParameters(on bool) error {
	if err := s.check(); err != nil {
		return err
	}
	s.allowBareNames = on
	return nil
}

// SourceSQL returns the text the statement was prepared from.
func (s *Statement) SourceSQL() string { return s.src }

// ExpandedSQL returns the statement text with bound parameters expanded.
func (s *Statement) ExpandedSQL() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	p := sqlite3.Xsqlite3_expanded_sql(s.db.tls, s.handle)
	if p == 0 {
		return "", fmt.Errorf("failed to expand statement text: %w", ErrInvalidState)
	}
	defer sqlite3.Xsqlite3_free(s.db.tls, p)
	return libc.GoString(p), nil
}

func (s *Statement) check() error {
	if s.db == nil || s.finalized {
		return fmt.Errorf("statement has been finalized: %w", ErrInvalidState)
	}
	if err := s.db.checkOwner(); err != nil {
		return err
	}
	if !s.db.open {
		return fmt.Errorf("database connection is closed: %w", ErrInvalidState)
	}
	return nil
}

// Finalize releases the statement handle. Further use of the Statement
// fails with ErrInvalidState.
func (s *Statement) Finalize() error {
	if err := s.check(); err != nil {
		return err
	}
	sqlite3.Xsqlite3_finalize(s.db.tls, s.handle)
	delete(s.db.stmts, s.key)
	s.handle = 0
	s.finalized = true
	return nil
}

// Run executes the statement to completion and reports the change count and
// last inserted rowid.
func (s *Statement) Run(args ...any) (RunResult, error) {
	if err := s.rebind(args); err != nil {
		return RunResult{}, err
	}
	tls := s.db.tls
	rc := sqlite3.Xsqlite3_step(tls, s.handle)
	if rc != sqlite3.SQLITE_ROW && rc != sqlite3.SQLITE_DONE {
		return RunResult{}, engineError(tls, s.db.db, rc)
	}
	sqlite3.Xsqlite3_reset(tls, s.handle)
	return RunResult{
		Changes:         sqlite3.Xsqlite3_changes64(tls, s.db.db),
		LastInsertRowID: sqlite3.Xsqlite3_last_insert_rowid(tls, s.db.db),
	}, nil
}

// Get executes the statement and returns its first row, or nil if the result
// is empty.
func (s *Statement) Get(args ...any) (*Row, error) {
	if err := s.rebind(args); err != nil {
		return nil, err
	}
	tls := s.db.tls
	switch rc := sqlite3.Xsqlite3_step(tls, s.handle); rc {
	case sqlite3.SQLITE_ROW:
		row, err := s.materialize()
		sqlite3.Xsqlite3_reset(tls, s.handle)
		if err != nil {
			return nil, err
		}
		return row, nil
	case sqlite3.SQLITE_DONE:
		sqlite3.Xsqlite3_reset(tls, s.handle)
		return nil, nil
	default:
		err := engineError(tls, s.db.db, rc)
		sqlite3.Xsqlite3_reset(tls, s.handle)
		return nil, err
	}
}

// All executes the statement and materializes every row.
func (s *Statement) All(args ...any) ([]*Row, error) {
	if err := s.rebind(args); err != nil {
		return nil, err
	}
	tls := s.db.tls
	rows := []*Row{}
	for {
		switch rc := sqlite3.Xsqlite3_step(tls, s.handle); rc {
		case sqlite3.SQLITE_ROW:
			row, err := s.materialize()
			if err != nil {
				sqlite3.Xsqlite3_reset(tls, s.handle)
				return nil, err
			}
			rows = append(rows, row)
		case sqlite3.SQLITE_DONE:
			sqlite3.Xsqlite3_reset(tls, s.handle)
			return rows, nil
		default:
			err := engineError(tls, s.db.db, rc)
			sqlite3.Xsqlite3_reset(tls, s.handle)
			return nil, err
		}
	}
}

// Columns returns metadata for every result column.
func (s *Statement) Columns() ([]ColumnMeta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	tls := s.db.tls
	n := int(sqlite3.Xsqlite3_column_count(tls, s.handle))
	cols := make([]ColumnMeta, n)
	for i := 0; i < n; i++ {
		cols[i] = ColumnMeta{
			Name:         libc.GoString(sqlite3.Xsqlite3_column_name(tls, s.handle, int32(i))),
			OriginColumn: libc.GoString(sqlite3.Xsqlite3_column_origin_name(tls, s.handle, int32(i))),
			Table:        libc.GoString(sqlite3.Xsqlite3_column_table_name(tls, s.handle, int32(i))),
			Database:     libc.GoString(sqlite3.Xsqlite3_column_database_name(tls, s.handle, int32(i))),
			DeclaredType: libc.GoString(sqlite3.Xsqlite3_column_decltype(tls, s.handle, int32(i))),
		}
	}
	return cols, nil
}

// rebind validates the statement, resets the handle, clears prior bindings,
// and binds args. A single map argument selects named binding; anything else
// binds positionally in call order, 1-indexed.
func (s *Statement) rebind(args []any) error {
	if err := s.check(); err != nil {
		return err
	}
	tls := s.db.tls
	sqlite3.Xsqlite3_reset(tls, s.handle)
	sqlite3.Xsqlite3_clear_bindings(tls, s.handle)

	if len(args) == 1 {
		if named, ok := args[0].(map[string]any); ok {
			return s.bindNamed(named)
		}
	}
	for i, v := range args {
		if err := bindValue(tls, s.db.db, s.handle, i+1, v); err != nil {
			return fmt.Errorf("failed to bind parameter %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Statement) bindNamed(named map[string]any) error {
	tls := s.db.tls
	if s.allowBareNames && s.bareNames == nil {
		if err := s.buildBareNames(); err != nil {
			return err
		}
	}

	for key, v := range named {
		idx, err := s.parameterIndex(key)
		if err != nil {
			return err
		}
		if idx == 0 && s.allowBareNames {
			if full, ok := s.bareNames[key]; ok {
				if idx, err = s.parameterIndex(full); err != nil {
					return err
				}
			}
		}
		if idx == 0 {
			return fmt.Errorf("unknown named parameter %q: %w", key, ErrInvalidArgument)
		}
		if err := bindValue(tls, s.db.db, s.handle, idx, v); err != nil {
			return fmt.Errorf("failed to bind parameter %q: %w", key, err)
		}
	}
	return nil
}

func (s *Statement) parameterIndex(name string) (int, error) {
	zName, err := cString(s.db.tls, name)
	if err != nil {
		return 0, err
	}
	defer libcFree(s.db.tls, zName)
	return int(sqlite3.Xsqlite3_bind_parameter_index(s.db.tls, s.handle, zName)), nil
}

// buildBareNames compiles the bare-name lookup table, rejecting bare names
// that would resolve to two different full names.
func (s *Statement) buildBareNames() error {
	tls := s.db.tls
	m := make(map[string]string)
	n := int(sqlite3.Xsqlite3_bind_parameter_count(tls, s.handle))
	for i := 1; i <= n; i++ {
		p := sqlite3.Xsqlite3_bind_parameter_name(tls, s.handle, int32(i))
		if p == 0 {
			continue // anonymous positional parameter
		}
		full := libc.GoString(p)
		if len(full) < 2 {
			continue
		}
		bare := full[1:]
		if prev, ok := m[bare]; ok && prev != full {
			return fmt.Errorf(
				"cannot create bare named parameter %q because of conflicting names %q and %q: %w",
				bare, prev, full, ErrInvalidState)
		}
		m[bare] = full
	}
	s.bareNames = m
	return nil
}

// materialize reads the current row through the marshaller.
func (s *Statement) materialize() (*Row, error) {
	tls := s.db.tls
	n := int(sqlite3.Xsqlite3_column_count(tls, s.handle))
	row := &Row{
		Cols:   make([]string, n),
		Values: make([]any, n),
	}
	if !s.returnArrays {
		row.Named = make(map[string]any, n)
	}
	for i := 0; i < n; i++ {
		row.Cols[i] = libc.GoString(sqlite3.Xsqlite3_column_name(tls, s.handle, int32(i)))
		v, err := columnValue(tls, s.handle, i, s.readBigInts)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", row.Cols[i], err)
		}
		row.Values[i] = v
		if row.Named != nil {
			row.Named[row.Cols[i]] = v
		}
	}
	return row, nil
}

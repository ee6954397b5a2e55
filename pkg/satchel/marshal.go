// Value marshalling between engine cells and Go values. The conversions are
// total: no Go value is un-representable (unsupported types fall back to
// their string form) and every engine cell maps to a Go value, with one
// documented rejection: integers wider than the safe range read without
// wide-integer mode.
// See docs/ARCHITECTURE.md § Value Marshaller.
package satchel

import (
	"fmt"
	"math"
	"math/big"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// Integer representation boundaries. These are policy constants inherited
// from the compatibility target, not engine invariants: integers within the
// narrow range always stay plain int64; integers beyond MaxSafeInteger are
// rejected unless the caller opted into wide-integer reads, in which case
// anything outside the narrow range becomes *big.Int.
const (
	NarrowIntMax = int64(math.MaxInt32)
	NarrowIntMin = int64(math.MinInt32)

	// MaxSafeInteger is 2^53-1, the largest integer magnitude an IEEE-754
	// double represents exactly.
	MaxSafeInteger = int64(1)<<53 - 1
	MinSafeInteger = -MaxSafeInteger
)

// bindValue binds v to the 1-indexed parameter idx of pstmt. Booleans bind
// as 0/1 (the engine has no boolean type), byte slices bind as blobs, and a
// *big.Int that does not fit in 64 bits binds as its decimal string form;
// that round trip is inherently lossy.
func bindValue(tls *libc.TLS, db, pstmt uintptr, idx int, v any) error {
	switch x := v.(type) {
	case nil:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_null(tls, pstmt, int32(idx)))
	case bool:
		var n int64
		if x {
			n = 1
		}
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), n))
	case int:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case int8:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case int16:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case int32:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case int64:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), x))
	case uint:
		return bindUint64(tls, db, pstmt, idx, uint64(x))
	case uint8:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case uint16:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case uint32:
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	case uint64:
		return bindUint64(tls, db, pstmt, idx, x)
	case float32:
		return bindFloat(tls, db, pstmt, idx, float64(x))
	case float64:
		return bindFloat(tls, db, pstmt, idx, x)
	case string:
		return bindText(tls, db, pstmt, idx, x)
	case []byte:
		return bindBlob(tls, db, pstmt, idx, x)
	case *big.Int:
		if x == nil {
			return bindCheck(tls, db, sqlite3.Xsqlite3_bind_null(tls, pstmt, int32(idx)))
		}
		if x.IsInt64() {
			return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), x.Int64()))
		}
		return bindText(tls, db, pstmt, idx, x.String())
	default:
		// Unsupported types fall back to their string conversion.
		return bindText(tls, db, pstmt, idx, fmt.Sprint(v))
	}
}

func bindUint64(tls *libc.TLS, db, pstmt uintptr, idx int, x uint64) error {
	if x > math.MaxInt64 {
		return bindText(tls, db, pstmt, idx, new(big.Int).SetUint64(x).String())
	}
	return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
}

// bindFloat narrows an integral double within the narrow integer range to an
// integer cell; everything else binds as a float cell.
func bindFloat(tls *libc.TLS, db, pstmt uintptr, idx int, x float64) error {
	if x == math.Trunc(x) && x >= float64(NarrowIntMin) && x <= float64(NarrowIntMax) {
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_int64(tls, pstmt, int32(idx), int64(x)))
	}
	return bindCheck(tls, db, sqlite3.Xsqlite3_bind_double(tls, pstmt, int32(idx), x))
}

func bindText(tls *libc.TLS, db, pstmt uintptr, idx int, s string) error {
	p, err := cString(tls, s)
	if err != nil {
		return err
	}
	defer libcFree(tls, p)
	return bindCheck(tls, db, sqlite3.Xsqlite3_bind_text(tls, pstmt, int32(idx), p, int32(len(s)), sqliteTransient))
}

func bindBlob(tls *libc.TLS, db, pstmt uintptr, idx int, b []byte) error {
	if len(b) == 0 {
		return bindCheck(tls, db, sqlite3.Xsqlite3_bind_zeroblob(tls, pstmt, int32(idx), 0))
	}
	p, err := cBytes(tls, b)
	if err != nil {
		return err
	}
	defer libcFree(tls, p)
	return bindCheck(tls, db, sqlite3.Xsqlite3_bind_blob(tls, pstmt, int32(idx), p, int32(len(b)), sqliteTransient))
}

func bindCheck(tls *libc.TLS, db uintptr, rc int32) error {
	if rc != sqlite3.SQLITE_OK {
		return engineError(tls, db, rc)
	}
	return nil
}

// columnValue reads column i of the current row. Blob and text cells are
// copied out of engine memory before the call returns.
func columnValue(tls *libc.TLS, pstmt uintptr, i int, wide bool) (any, error) {
	switch sqlite3.Xsqlite3_column_type(tls, pstmt, int32(i)) {
	case sqlite3.SQLITE_INTEGER:
		return convertInteger(sqlite3.Xsqlite3_column_int64(tls, pstmt, int32(i)), wide)
	case sqlite3.SQLITE_FLOAT:
		return sqlite3.Xsqlite3_column_double(tls, pstmt, int32(i)), nil
	case sqlite3.SQLITE_TEXT:
		p := sqlite3.Xsqlite3_column_text(tls, pstmt, int32(i))
		n := sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(i))
		return string(goBytes(p, int(n))), nil
	case sqlite3.SQLITE_BLOB:
		p := sqlite3.Xsqlite3_column_blob(tls, pstmt, int32(i))
		n := sqlite3.Xsqlite3_column_bytes(tls, pstmt, int32(i))
		return goBytes(p, int(n)), nil
	default: // SQLITE_NULL
		return nil, nil
	}
}

// convertInteger applies the integer representation policy. In wide mode any
// value outside the narrow range becomes *big.Int; otherwise values beyond
// the safe range are rejected rather than silently losing precision.
func convertInteger(v int64, wide bool) (any, error) {
	if v >= NarrowIntMin && v <= NarrowIntMax {
		return v, nil
	}
	if wide {
		return new(big.Int).SetInt64(v), nil
	}
	if v < MinSafeInteger || v > MaxSafeInteger {
		return nil, fmt.Errorf("column value %d: %w", v, ErrIntegerTooWide)
	}
	return v, nil
}

// argValue converts one engine value cell passed to a function callback.
// With wide argument mode every integer arrives as *big.Int.
func argValue(tls *libc.TLS, pval uintptr, wide bool) any {
	switch sqlite3.Xsqlite3_value_type(tls, pval) {
	case sqlite3.SQLITE_INTEGER:
		v := sqlite3.Xsqlite3_value_int64(tls, pval)
		if wide {
			return new(big.Int).SetInt64(v)
		}
		return v
	case sqlite3.SQLITE_FLOAT:
		return sqlite3.Xsqlite3_value_double(tls, pval)
	case sqlite3.SQLITE_TEXT:
		p := sqlite3.Xsqlite3_value_text(tls, pval)
		n := sqlite3.Xsqlite3_value_bytes(tls, pval)
		return string(goBytes(p, int(n)))
	case sqlite3.SQLITE_BLOB:
		p := sqlite3.Xsqlite3_value_blob(tls, pval)
		n := sqlite3.Xsqlite3_value_bytes(tls, pval)
		return goBytes(p, int(n))
	default:
		return nil
	}
}

// hostResult writes a callback's return value into the function context.
func hostResult(tls *libc.TLS, ctx uintptr, v any) {
	switch x := v.(type) {
	case nil:
		sqlite3.Xsqlite3_result_null(tls, ctx)
	case bool:
		var n int64
		if x {
			n = 1
		}
		sqlite3.Xsqlite3_result_int64(tls, ctx, n)
	case int:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(x))
	case int32:
		sqlite3.Xsqlite3_result_int64(tls, ctx, int64(x))
	case int64:
		sqlite3.Xsqlite3_result_int64(tls, ctx, x)
	case float64:
		sqlite3.Xsqlite3_result_double(tls, ctx, x)
	case float32:
		sqlite3.Xsqlite3_result_double(tls, ctx, float64(x))
	case string:
		resultText(tls, ctx, x)
	case []byte:
		resultBlob(tls, ctx, x)
	case *big.Int:
		if x == nil {
			sqlite3.Xsqlite3_result_null(tls, ctx)
		} else if x.IsInt64() {
			sqlite3.Xsqlite3_result_int64(tls, ctx, x.Int64())
		} else {
			resultError(tls, ctx, "integer result too large for the engine")
		}
	default:
		resultText(tls, ctx, fmt.Sprint(v))
	}
}

func resultText(tls *libc.TLS, ctx uintptr, s string) {
	p, err := cString(tls, s)
	if err != nil {
		sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
		return
	}
	defer libcFree(tls, p)
	sqlite3.Xsqlite3_result_text(tls, ctx, p, int32(len(s)), sqliteTransient)
}

func resultBlob(tls *libc.TLS, ctx uintptr, b []byte) {
	if len(b) == 0 {
		sqlite3.Xsqlite3_result_zeroblob(tls, ctx, 0)
		return
	}
	p, err := cBytes(tls, b)
	if err != nil {
		sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
		return
	}
	defer libcFree(tls, p)
	sqlite3.Xsqlite3_result_blob(tls, ctx, p, int32(len(b)), sqliteTransient)
}

// resultError reports a callback failure as an engine-level function error so
// the triggering statement fails cleanly instead of unwinding the process.
func resultError(tls *libc.TLS, ctx uintptr, msg string) {
	p, err := cString(tls, msg)
	if err != nil {
		sqlite3.Xsqlite3_result_error_nomem(tls, ctx)
		return
	}
	defer libcFree(tls, p)
	sqlite3.Xsqlite3_result_error(tls, ctx, p, int32(len(msg)))
}

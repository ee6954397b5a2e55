// Low-level shims over the transpiled engine: C memory, C strings, and
// status-code translation. Every helper takes the libc thread state (TLS)
// explicitly because backup jobs run on their own TLS.
package satchel

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// sqliteTransient is the SQLITE_TRANSIENT destructor sentinel ((void(*)(void*))-1):
// the engine copies the buffer before the call returns, so binding-side memory
// can be freed immediately.
const sqliteTransient = ^uintptr(0)

func libcMalloc(tls *libc.TLS, n int) (uintptr, error) {
	if n == 0 {
		n = 1
	}
	p := libc.Xmalloc(tls, types.Size_t(n))
	if p == 0 {
		return 0, fmt.Errorf("satchel: malloc(%d) failed", n)
	}
	return p, nil
}

func libcFree(tls *libc.TLS, p uintptr) {
	if p != 0 {
		libc.Xfree(tls, p)
	}
}

// cString copies s into C memory with a NUL terminator.
func cString(tls *libc.TLS, s string) (uintptr, error) {
	p, err := libcMalloc(tls, len(s)+1)
	if err != nil {
		return 0, err
	}
	if len(s) != 0 {
		copy((*libc.RawMem)(unsafe.Pointer(p))[:len(s):len(s)], s)
	}
	*(*byte)(unsafe.Pointer(p + uintptr(len(s)))) = 0
	return p, nil
}

// cBytes copies b into C memory. Empty slices still allocate one byte so the
// engine never sees a NULL pointer with a non-NULL contract.
func cBytes(tls *libc.TLS, b []byte) (uintptr, error) {
	p, err := libcMalloc(tls, len(b))
	if err != nil {
		return 0, err
	}
	if len(b) != 0 {
		copy((*libc.RawMem)(unsafe.Pointer(p))[:len(b):len(b)], b)
	}
	return p, nil
}

// goBytes copies n bytes at p into Go memory. The engine cell's backing
// memory is only valid for the duration of the call, so the copy is mandatory.
func goBytes(p uintptr, n int) []byte {
	b := make([]byte, n)
	if p != 0 && n > 0 {
		copy(b, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	}
	return b
}

func derefPtr(p uintptr) uintptr { return *(*uintptr)(unsafe.Pointer(p)) }

func derefInt32(p uintptr) int32 { return *(*int32)(unsafe.Pointer(p)) }

// engineError builds an EngineError for rc. When db is a live connection
// handle the engine's own errmsg and extended code are captured verbatim;
// otherwise the generic errstr text for rc is used.
func engineError(tls *libc.TLS, db uintptr, rc int32) *EngineError {
	e := &EngineError{Code: rc}
	if db != 0 {
		e.Message = libc.GoString(sqlite3.Xsqlite3_errmsg(tls, db))
		e.ExtendedCode = sqlite3.Xsqlite3_extended_errcode(tls, db)
	} else {
		e.Message = libc.GoString(sqlite3.Xsqlite3_errstr(tls, rc))
	}
	return e
}

// cFuncPtr returns the C-callable address of a trampoline so it can be handed
// to the engine's function-registration and changeset-apply entry points.
func cFuncPtr[T any](f T) uintptr {
	return *(*uintptr)(unsafe.Pointer(&struct{ f T }{f}))
}

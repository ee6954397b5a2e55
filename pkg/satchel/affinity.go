package satchel

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID returns the numeric id of the calling goroutine, parsed from
// the header line of a stack trace ("goroutine 18 [running]:"). The engine
// forbids sharing a connection handle between threads of control, so the
// binding records the opener's id and rejects every other caller.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Package satchel is a richly-typed binding over the embedded SQLite engine.
// It drives the engine through its C-shaped call surface (modernc.org/sqlite/lib)
// and exposes Database, Statement, Session, and BackupJob objects to Go code.
//
// A Database owns exactly one engine connection handle. The handle is bound to
// the goroutine that opened it: every operation re-checks the caller before
// touching the engine and fails with ErrThreadAffinity from anywhere else.
// The one exception is a backup job, which copies pages on its own goroutine
// with its own destination handle while only reading the shared source.
//
// All engine calls are synchronous. Values cross the boundary through the
// marshaller in marshal.go; user-defined scalar and aggregate functions
// re-enter Go through trampolines registered in the engine's callback tables.
//
// See docs/ARCHITECTURE.md for the component layout.
package satchel

// Package simerr holds the error taxonomy shared by the simulation packages.
//
// Callers wrap these with fmt.Errorf("...: %w", err) and test with errors.Is.
package simerr

import "errors"

var (
	// ErrNotFound: the operation referenced an entity, chunk or session that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOverloaded: the command queue rejected a non-critical command.
	ErrOverloaded = errors.New("overloaded")

	// ErrOverrun: a tick exceeded its time budget.
	ErrOverrun = errors.New("tick overrun")

	// ErrCorrupt: persisted chunk data could not be decoded.
	ErrCorrupt = errors.New("corrupt data")

	// ErrOutsideTick: world state was mutated outside the tick window.
	ErrOutsideTick = errors.New("mutation outside tick")

	// ErrStopped: the engine is no longer accepting work.
	ErrStopped = errors.New("stopped")
)

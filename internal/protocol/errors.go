package protocol

import (
	"errors"

	"bastom.dev/internal/sim/simerr"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Server state.
	ErrOverloaded = "E_OVERLOADED"
	ErrStopped    = "E_STOPPED"
	ErrNoWorld    = "E_NO_WORLD"
	ErrModeDenied = "E_MODE_DENIED"

	// Command layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrOverloaded:      {},
	ErrStopped:         {},
	ErrNoWorld:         {},
	ErrModeDenied:      {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps engine errors to client codes. Unrecognised errors are
// treated as bad requests since the engine only rejects on input.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, simerr.ErrOverloaded):
		return ErrOverloaded
	case errors.Is(err, simerr.ErrStopped):
		return ErrStopped
	case errors.Is(err, simerr.ErrNotFound):
		return ErrNotFound
	default:
		return ErrBadRequest
	}
}

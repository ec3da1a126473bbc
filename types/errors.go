package types

import (
	"github.com/pkg/errors"
)

// Error kinds produced by the federation core. Services wrap these with
// context via errors.Wrap; the HTTP boundary matches them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformed         = errors.New("malformed payload")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrConflict          = errors.New("already exists")
	ErrInternal          = errors.New("internal error")
	ErrTooDeep           = errors.New("dereference chain too deep")
)

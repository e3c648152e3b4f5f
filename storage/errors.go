package storage

import (
	"github.com/pkg/errors"
)

var (
	ErrFormat         = errors.New("storage: bad format")
	ErrTupleShape     = errors.New("storage: tuple shape mismatch")
	ErrNotFound       = errors.New("storage: not found")
	ErrAlreadyExists  = errors.New("storage: already exists")
	ErrLockFailed     = errors.New("storage: transaction lock failed")
	ErrNotImplemented = errors.New("storage: not implemented")
	ErrShutdown       = errors.New("storage: shutting down")
)

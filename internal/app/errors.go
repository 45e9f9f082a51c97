package app

import "errors"

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNoProject         = errors.New("no project loaded")
	ErrProjectMismatch   = errors.New("project id mismatch")
	ErrLedgerUnavailable = errors.New("change ledger unavailable")
	ErrListUnavailable   = errors.New("project listing unavailable")
)

package store

import "errors"

// ErrNotFound indicates the requested record does not exist locally.
var ErrNotFound = errors.New("record not found")

// ErrUnknownTable indicates a table name outside the synchronized set.
var ErrUnknownTable = errors.New("unknown table")

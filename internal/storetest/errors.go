package storetest

import "errors"

// ErrNotFound is returned by every in-memory store when a row is absent.
var ErrNotFound = errors.New("storetest: not found")

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

import (
	"errors"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Sentinel errors for store operations. Backends wrap them in coded errors,
// so both errors.Is and the nderr classifiers work on returned errors.
var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent modification or duplicate id.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input parameters are invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// NotFound returns the coded error for a missing session.
func NotFound(id string) error {
	return nderr.Wrap(ErrNotFound, nderr.CodeStoreSessionGetNotFound,
		"session "+id, nderr.FieldSessionID(id))
}

// Conflict returns the coded error for a lost compare-and-swap.
func Conflict(id string) error {
	return nderr.Wrap(ErrConflict, nderr.CodeStoreSessionUpdateConflict,
		"session "+id+" modified concurrently", nderr.FieldSessionID(id))
}

// Exists returns the coded error for a duplicate session id.
func Exists(id string) error {
	return nderr.Wrap(ErrConflict, nderr.CodeStoreSessionCreateConflict,
		"session "+id+" already exists", nderr.FieldSessionID(id))
}

// Invalid returns the coded error for malformed store input.
func Invalid(msg string) error {
	return nderr.Wrap(ErrInvalidInput, nderr.CodeStoreInvalidInput, msg)
}

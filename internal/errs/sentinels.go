// Package errs holds the storage sentinels shared by every Database collaborator.
// The Auth Service translates them into AuthError codes; they never reach clients.
package errs

import "errors"

var (
	// ErrNotFound: no user or session matches the lookup.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: the lower-cased email or a session token hash is already taken.
	ErrAlreadyExists = errors.New("already exists")
)

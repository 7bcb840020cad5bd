package shared

import "errors"

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials covers unknown emails, wrong passwords and disabled users alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing means the request or the session carries no token.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch means the presented token is not the session's.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

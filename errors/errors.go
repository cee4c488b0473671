package errors

import "fmt"

var (
	// ErrInvalidOptions keeps the exact wording clients match on.
	ErrInvalidOptions  = fmt.Errorf("Invalid options")
	ErrInvalidUserData = fmt.Errorf("invalid user data")
	ErrUnauthenticated = fmt.Errorf("connection is not authenticated")
	ErrUnknownBackend  = fmt.Errorf("unknown storage backend")
)

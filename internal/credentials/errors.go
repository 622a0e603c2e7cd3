package credentials

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no credential row matches the requested name.
var ErrNotFound = errors.New("credential not found")

// DecryptionError is returned when a stored secret cannot be decrypted,
// typically after a master-key mismatch.
type DecryptionError struct {
	Name string
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("credential %q: decrypt failed: %v", e.Name, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

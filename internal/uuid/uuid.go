// Package uuid wraps UUID generation so the rest of the codebase does not
// depend on a specific library.
package uuid

import "github.com/google/uuid"

// New returns a new random UUID string.
func New() string {
	return uuid.NewString()
}

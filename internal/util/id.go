package util

import "github.com/google/uuid"

// NewID returns a fresh UUID string for entities and request ids.
func NewID() string {
	return uuid.NewString()
}

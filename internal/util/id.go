package util

import "github.com/google/uuid"

// NewID returns a random UUID string. Used for record and session group IDs.
func NewID() string {
	return uuid.NewString()
}

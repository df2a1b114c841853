package awnutil

import "github.com/google/uuid"

// GenerateID returns a fresh random identifier (a UUID string).
func GenerateID() string {
	return uuid.NewString()
}

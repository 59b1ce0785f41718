package id

import "github.com/google/uuid"

// New returns a random (v4) identifier.
func New() string { return uuid.NewString() }

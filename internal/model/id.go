package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a job identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewTokenValue generates an unguessable continuation token value (random
// UUID backed by crypto/rand).
func NewTokenValue() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

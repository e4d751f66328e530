package id

import "github.com/google/uuid"

// Generator produces message ids.
type Generator interface {
	Generate() string
}

// UUID generates random (version 4) UUIDs.
type UUID struct{}

// Generate returns a new random UUID string.
func (UUID) Generate() string { return uuid.NewString() }

// New returns a new random UUID string.
func New() string { return uuid.NewString() }

// Func adapts a plain function to a Generator.
type Func func() string

func (f Func) Generate() string { return f() }

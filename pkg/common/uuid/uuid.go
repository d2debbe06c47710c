// Package uuid re-exports google/uuid so domain packages depend on a single
// identifier type.
package uuid

import "github.com/google/uuid"

// UUID is a 128 bit identifier.
type UUID = uuid.UUID

// Nil is the zero UUID.
var Nil = uuid.Nil

// New returns a random (v4) UUID. It panics if the random source fails.
func New() UUID { return uuid.New() }

// NewRandom returns a random (v4) UUID or an error.
func NewRandom() (UUID, error) { return uuid.NewRandom() }

// Parse decodes s into a UUID.
func Parse(s string) (UUID, error) { return uuid.Parse(s) }

// MustParse is like Parse but panics if s cannot be parsed.
func MustParse(s string) UUID { return uuid.MustParse(s) }

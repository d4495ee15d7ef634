package statemachine

import "github.com/google/uuid"

// eventID generates a task event identifier. Event records are audit
// metadata only — no later Apply call branches on an event's ID — so
// using a random UUID here does not put replica determinism at risk.
func eventID() string { return uuid.NewString() }

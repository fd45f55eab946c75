package reliability

import (
	"errors"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	ErrDeadLetterNotFound = errors.New("dead letters: envelope not found")
)

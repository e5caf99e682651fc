package identify

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid action for current screen")
	ErrNoImage           = errors.New("no image submitted")
	ErrUnknownSpecies    = errors.New("species was not among the offered alternatives")
	ErrAttemptsExhausted = errors.New("maximum attempts reached")
	ErrSessionNotFound   = errors.New("session not found")
)

func invalid(a Action, s Screen) error {
	return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, a.name(), s)
}

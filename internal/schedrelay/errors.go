package schedrelay

import "errors"

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrConfigIncomplete       = errors.New("tenant configuration incomplete")
	ErrDestinationUnreachable = errors.New("destination unreachable")
)

package library

import (
	"errors"
	"fmt"

	"mediahub/pkg/models"
)

var (
	ErrLimitExceeded = errors.New("custom list limit exceeded")
	ErrUnknownList   = errors.New("unknown list")
	ErrInvalidList   = errors.New("invalid list name")
	ErrInvalidItem   = errors.New("invalid item")
)

// LimitError is returned by CreateList when the owner already has the
// maximum number of custom lists for their plan.
type LimitError struct {
	Tier  models.Tier
	Limit int
	Owned int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("custom list limit exceeded: %s plan allows %d lists, %d owned", e.Tier, e.Limit, e.Owned)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

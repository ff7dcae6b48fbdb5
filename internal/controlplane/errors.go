package controlplane

import (
	"errors"

	"github.com/opsdeck/opsdeck/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrValidation          = errors.New("validation failed")
	ErrPlaybookNotApproved = errors.New("playbook not approved")
	ErrNoRunner            = errors.New("server has no runner")

	ErrNotFound          = store.ErrNotFound
	ErrConflict          = store.ErrConflict
	ErrInvalidTransition = store.ErrInvalidTransition
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package engine

import (
	"errors"
	"fmt"

	"printlegion/internal/lifecycle"
	"printlegion/internal/store"
)

// Sentinel errors callers match with errors.Is. ErrNotFound and ErrConflict
// are re-exported from the store so handlers only import this package.
var (
	ErrNotFound = store.ErrNotFound
	ErrConflict = store.ErrConflict

	ErrNotAuthorized      = errors.New("actor not authorized for this transition")
	ErrSelfClaim          = errors.New("cannot claim your own job")
	ErrAlreadyClaimed     = errors.New("job already claimed by another printer")
	ErrLocationRequired   = errors.New("both printer and creator need a region location set")
	ErrActivePrinterLimit = errors.New("printer already has an active job")
	ErrNegativeFilament   = errors.New("filament used cannot be negative")
)

// InvalidTransitionError reports a status edge the lifecycle graph does not
// allow.
type InvalidTransitionError struct {
	From lifecycle.Status
	To   lifecycle.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition job from %s to %s", e.From, e.To)
}

// TooFarError means the claiming printer is beyond the claim distance cap.
type TooFarError struct {
	DistanceKm float64
	LimitKm    float64
}

func (e TooFarError) Error() string {
	return fmt.Sprintf("printer is %.1f km away, claim limit is %.1f km", e.DistanceKm, e.LimitKm)
}

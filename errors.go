package mealgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrStoreUnavailable        = errors.New("mealgate: store unavailable")
	ErrQuotaExhausted          = errors.New("mealgate: quota exhausted")
	ErrGatewayFailure          = errors.New("mealgate: ai gateway failure")
	ErrGatewayUnavailable      = errors.New("mealgate: ai gateway unavailable")
	ErrInvalidEntitlementState = errors.New("mealgate: invalid entitlement state")
	ErrNotFound                = errors.New("mealgate: not found")
	ErrConflict                = errors.New("mealgate: concurrent update conflict")
	ErrNoEntitlement           = errors.New("mealgate: no entitlement")
	ErrPlanNotHigher           = errors.New("mealgate: plan does not rank higher")
	ErrPlanNotLower            = errors.New("mealgate: plan does not rank lower")
	ErrInvalidRequest          = errors.New("mealgate: invalid request")
)

// GateError wraps an error with the action and user it occurred for.
type GateError struct {
	Err    error
	Op     string
	UserID string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("mealgate: op=%s user=%s: %v", e.Op, e.UserID, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// storeErr converts a store failure into ErrStoreUnavailable, leaving
// ErrNotFound and ErrConflict intact for the caller to branch on.
func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsDenied reports whether err is a normal quota denial rather than a failure.
func IsDenied(err error) bool {
	return errors.Is(err, ErrQuotaExhausted)
}

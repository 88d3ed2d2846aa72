package webhooks

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoActiveSubscription      = errors.New("no active subscription for route")
	ErrSignatureMismatch         = errors.New("webhook signature mismatch")
	ErrSubscriptionMisconfigured = errors.New("subscription has no signing secret")
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrAccountNotFound           = errors.New("tenant account not found")
	ErrAccountDisconnected       = errors.New("tenant account is disconnected")
	ErrVerificationExhausted     = errors.New("verification attempts exhausted; delete and recreate the subscription")
	ErrVerificationTooSoon       = errors.New("verification retried too soon")
	ErrAlreadyVerified           = errors.New("subscription already verified")
	ErrReconcileInProgress       = errors.New("reconciliation already running for account")
	ErrLockHeld                  = errors.New("lock already held")
	ErrQueueFull                 = errors.New("resource sync queue is full")
	ErrValidation                = errors.New("validation failed")
)

// ValidationError is returned before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// VerificationTooSoonError carries the earliest time a retry is allowed.
type VerificationTooSoonError struct {
	NextAllowedAt time.Time
}

func (e *VerificationTooSoonError) Error() string {
	return fmt.Sprintf("%v; next attempt allowed at %s", ErrVerificationTooSoon, e.NextAllowedAt.UTC().Format(time.RFC3339))
}

func (e *VerificationTooSoonError) Unwrap() error { return ErrVerificationTooSoon }

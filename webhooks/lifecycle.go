package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/fic_sync/models"
	"github.com/qmuntal/stateless"
)

const (
	// MaxVerificationAttempts and VerificationSpacing mirror the remote's
	// own verification retry policy.
	MaxVerificationAttempts = 5
	VerificationSpacing     = 10 * time.Minute

	// ExpiringWindow is the remote's delivery-failure countdown.
	ExpiringWindow = 10 * 24 * time.Hour
)

const (
	triggerVerify            = "verify"
	triggerDeliveryFailing   = "delivery_failing"
	triggerDeliveryRecovered = "delivery_recovered"
	triggerExpire            = "expire"
	triggerRenew             = "renew"
	triggerUnverify          = "unverify"
	triggerDelete            = "delete"
	triggerRediscover        = "rediscover"
	triggerStay              = "stay"
	triggerInvalid           = "invalid"
)

func newLifecycle(initial models.SubscriptionStatus) *stateless.StateMachine {
	machine := stateless.NewStateMachine(initial)

	machine.Configure(models.SubscriptionStatusUnverified).
		Permit(triggerVerify, models.SubscriptionStatusActive).
		Permit(triggerExpire, models.SubscriptionStatusExpired).
		Permit(triggerDelete, models.SubscriptionStatusDeleted).
		PermitReentry(triggerStay)

	machine.Configure(models.SubscriptionStatusActive).
		Permit(triggerDeliveryFailing, models.SubscriptionStatusExpiring).
		Permit(triggerExpire, models.SubscriptionStatusExpired).
		Permit(triggerUnverify, models.SubscriptionStatusUnverified).
		Permit(triggerDelete, models.SubscriptionStatusDeleted).
		PermitReentry(triggerRenew).
		PermitReentry(triggerStay)

	machine.Configure(models.SubscriptionStatusExpiring).
		Permit(triggerDeliveryRecovered, models.SubscriptionStatusActive).
		Permit(triggerRenew, models.SubscriptionStatusActive).
		Permit(triggerExpire, models.SubscriptionStatusExpired).
		Permit(triggerUnverify, models.SubscriptionStatusUnverified).
		Permit(triggerDelete, models.SubscriptionStatusDeleted).
		PermitReentry(triggerStay)

	machine.Configure(models.SubscriptionStatusExpired).
		Permit(triggerRenew, models.SubscriptionStatusActive).
		Permit(triggerUnverify, models.SubscriptionStatusUnverified).
		Permit(triggerDelete, models.SubscriptionStatusDeleted).
		PermitReentry(triggerStay)

	machine.Configure(models.SubscriptionStatusDeleted).
		Permit(triggerRediscover, models.SubscriptionStatusUnverified).
		PermitReentry(triggerStay)

	return machine
}

func defineTrigger(from, to models.SubscriptionStatus) string {
	type statusTransition struct {
		From models.SubscriptionStatus
		To   models.SubscriptionStatus
	}

	triggerMap := map[statusTransition]string{
		{models.SubscriptionStatusUnverified, models.SubscriptionStatusActive}:   triggerVerify,
		{models.SubscriptionStatusUnverified, models.SubscriptionStatusExpired}:  triggerExpire,
		{models.SubscriptionStatusActive, models.SubscriptionStatusExpiring}:     triggerDeliveryFailing,
		{models.SubscriptionStatusActive, models.SubscriptionStatusExpired}:      triggerExpire,
		{models.SubscriptionStatusActive, models.SubscriptionStatusUnverified}:   triggerUnverify,
		{models.SubscriptionStatusExpiring, models.SubscriptionStatusActive}:     triggerDeliveryRecovered,
		{models.SubscriptionStatusExpiring, models.SubscriptionStatusExpired}:    triggerExpire,
		{models.SubscriptionStatusExpiring, models.SubscriptionStatusUnverified}: triggerUnverify,
		{models.SubscriptionStatusExpired, models.SubscriptionStatusActive}:      triggerRenew,
		{models.SubscriptionStatusExpired, models.SubscriptionStatusUnverified}:  triggerUnverify,
		{models.SubscriptionStatusDeleted, models.SubscriptionStatusUnverified}:  triggerRediscover,
	}
	if from == to {
		return triggerStay
	}
	if to == models.SubscriptionStatusDeleted {
		return triggerDelete
	}
	trigger, ok := triggerMap[statusTransition{From: from, To: to}]
	if !ok {
		return triggerInvalid
	}
	return trigger
}

// Transition moves a subscription from one status to another through the
// lifecycle machine and errors on transitions the lifecycle does not allow.
func Transition(ctx context.Context, from, to models.SubscriptionStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("unknown subscription status transition %q -> %q", from, to)
	}
	machine := newLifecycle(from)
	return machine.FireCtx(ctx, defineTrigger(from, to))
}

// Renew fires the renew trigger from the given status.
func Renew(ctx context.Context, from models.SubscriptionStatus) (models.SubscriptionStatus, error) {
	machine := newLifecycle(from)
	if err := machine.FireCtx(ctx, triggerRenew); err != nil {
		return from, err
	}
	state, err := machine.State(ctx)
	if err != nil {
		return from, err
	}
	return state.(models.SubscriptionStatus), nil
}

// DeriveStatus computes the status implied by what the remote reports.
// Unverified subscriptions whose verification attempts are exhausted, or
// whose expiry has passed, count as expired.
func DeriveStatus(verified bool, expiresAt *time.Time, verificationAttempts int, now time.Time) models.SubscriptionStatus {
	expired := expiresAt != nil && !expiresAt.After(now)
	if !verified {
		if expired || verificationAttempts >= MaxVerificationAttempts {
			return models.SubscriptionStatusExpired
		}
		return models.SubscriptionStatusUnverified
	}
	switch {
	case expired:
		return models.SubscriptionStatusExpired
	case expiresAt != nil && expiresAt.Sub(now) <= ExpiringWindow:
		return models.SubscriptionStatusExpiring
	default:
		return models.SubscriptionStatusActive
	}
}

// IsRoutable reports whether ingress accepts notifications for a status.
// Unverified rows are routable: the remote may deliver right after the
// handshake, before the next reconcile observes the verified flag.
func IsRoutable(status models.SubscriptionStatus) bool {
	switch status {
	case models.SubscriptionStatusUnverified, models.SubscriptionStatusActive, models.SubscriptionStatusExpiring:
		return true
	}
	return false
}

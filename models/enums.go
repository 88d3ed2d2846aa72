package models

import (
	"database/sql/driver"
	"fmt"
)

type AccountStatus string

const (
	AccountStatusActive       AccountStatus = "active"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

// SubscriptionStatus is the local lifecycle state of a webhook subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusUnverified SubscriptionStatus = "unverified"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusExpiring   SubscriptionStatus = "expiring"
	SubscriptionStatusExpired    SubscriptionStatus = "expired"
	SubscriptionStatusDeleted    SubscriptionStatus = "deleted"
)

func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusUnverified, SubscriptionStatusActive, SubscriptionStatusExpiring,
		SubscriptionStatusExpired, SubscriptionStatusDeleted:
		return true
	}
	return false
}

func (s SubscriptionStatus) Value() (driver.Value, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid subscription status %q", string(s))
	}
	return string(s), nil
}

func (s *SubscriptionStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = SubscriptionStatus(v)
	case []byte:
		*s = SubscriptionStatus(v)
	case nil:
		*s = ""
	default:
		return fmt.Errorf("cannot scan %T into SubscriptionStatus", value)
	}
	return nil
}

type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusProcessed LedgerStatus = "processed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

func (s LedgerStatus) IsValid() bool {
	switch s {
	case LedgerStatusPending, LedgerStatusProcessed, LedgerStatusFailed:
		return true
	}
	return false
}

// ResourceCategory is the local name of a synchronized remote resource kind.
type ResourceCategory string

const (
	ResourceCategoryClient   ResourceCategory = "client"
	ResourceCategorySupplier ResourceCategory = "supplier"
	ResourceCategoryInvoice  ResourceCategory = "invoice"
	ResourceCategoryQuote    ResourceCategory = "quote"
)

type ResourceAction string

const (
	ResourceActionCreated ResourceAction = "created"
	ResourceActionUpdated ResourceAction = "updated"
	ResourceActionDeleted ResourceAction = "deleted"
)

const (
	VerificationMethodHeader = "header"
	VerificationMethodQuery  = "query"
)

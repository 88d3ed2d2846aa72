package models

import "time"

// EventLedgerEntry records one accepted (event, resource id) pair.
// Unique: (account_id, event_type, resource_category, resource_id, event_id).
// Entries are never deleted.
type EventLedgerEntry struct {
	ID               uint             `gorm:"primary_key" json:"id"`
	AccountId        uint             `gorm:"not null;index:uniq_event_ledger,unique,priority:1;index:idx_event_ledger_lookup,priority:1" json:"account_id"`
	EventType        string           `gorm:"size:191;not null;index:uniq_event_ledger,unique,priority:2;index:idx_event_ledger_lookup,priority:2" json:"event_type"`
	ResourceCategory ResourceCategory `gorm:"size:32;not null;index:uniq_event_ledger,unique,priority:3;index:idx_event_ledger_lookup,priority:3" json:"resource_category"`
	ResourceId       string           `gorm:"size:64;not null;index:uniq_event_ledger,unique,priority:4;index:idx_event_ledger_lookup,priority:4" json:"resource_id"`
	EventId          string           `gorm:"size:128;not null;index:uniq_event_ledger,unique,priority:5" json:"event_id"`
	SubscriptionId   *uint            `gorm:"index" json:"subscription_id"`
	OccurredAt       *time.Time       `json:"occurred_at"`
	Status           LedgerStatus     `gorm:"size:20;not null;index" json:"status"`
	Attempts         int              `gorm:"default:0" json:"attempts"`
	LastError        *string          `gorm:"type:text" json:"last_error"`
	PayloadJSON      []byte           `gorm:"type:json" json:"payload"`
	ProcessedAt      *time.Time       `json:"processed_at"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncedResource is the last fetched snapshot of a remote client, supplier,
// invoice or quote. Each sync overwrites the row (last write wins).
type SyncedResource struct {
	ID          uint             `gorm:"primary_key" json:"id"`
	AccountId   uint             `gorm:"not null;uniqueIndex:uniq_synced_resource,priority:1" json:"account_id"`
	Category    ResourceCategory `gorm:"size:32;not null;uniqueIndex:uniq_synced_resource,priority:2" json:"category"`
	RemoteId    string           `gorm:"size:64;not null;uniqueIndex:uniq_synced_resource,priority:3" json:"remote_id"`
	Name        string           `gorm:"size:255" json:"name"`
	Email       string           `gorm:"size:255" json:"email"`
	Phone       string           `gorm:"size:32" json:"phone"`
	VatNumber   string           `gorm:"size:64" json:"vat_number"`
	Number      string           `gorm:"size:64" json:"number"`
	AmountGross *decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_gross"`
	Currency    string           `gorm:"size:8" json:"currency"`
	Date        *time.Time       `json:"date"`
	Deleted     bool             `gorm:"default:false;index" json:"deleted"`
	PayloadJSON []byte           `gorm:"type:json" json:"payload"`
	SyncedAt    time.Time        `json:"synced_at"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import "time"

// SubscriptionReconcileRun is the persisted outcome of one applied
// (non dry-run) reconciliation pass for an account.
type SubscriptionReconcileRun struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	AccountId          uint      `gorm:"index;not null" json:"account_id"`
	Trigger            string    `gorm:"size:32" json:"trigger"` // sync, fix-urls, api, schedule
	Matched            int       `json:"matched"`
	GroupCorrected     int       `json:"group_corrected"`
	MisroutedRecreated int       `json:"misrouted_recreated"`
	NewlyDiscovered    int       `json:"newly_discovered"`
	Orphaned           int       `json:"orphaned"`
	Errored            int       `json:"errored"`
	DetailsJSON        []byte    `gorm:"type:json" json:"details"`
	CorrelationId      string    `gorm:"size:64;index" json:"correlation_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
}

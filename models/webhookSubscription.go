package models

import "time"

// WebhookSubscription mirrors one remote subscription.
//
// RemoteId is the only natural key. (AccountId, EventGroup) is indexed for
// ingress lookups but is NOT unique: several subscriptions may share a group.
type WebhookSubscription struct {
	ID                   uint               `gorm:"primary_key" json:"id"`
	AccountId            uint               `gorm:"index:idx_webhook_sub_route,priority:1;not null" json:"account_id"`
	RemoteId             string             `gorm:"size:128;uniqueIndex:uniq_webhook_sub_remote;not null" json:"remote_id"`
	EventGroup           string             `gorm:"index:idx_webhook_sub_route,priority:2;size:64;not null" json:"event_group"`
	Types                []string           `gorm:"serializer:json;type:json" json:"types"`
	Sink                 string             `gorm:"type:text" json:"sink"`
	Verified             bool               `gorm:"default:false" json:"verified"`
	Active               bool               `gorm:"index:idx_webhook_sub_route,priority:3;default:false" json:"active"`
	Status               SubscriptionStatus `gorm:"size:20;index;not null" json:"status"`
	ExpiresAt            *time.Time         `gorm:"index" json:"expires_at"`
	Secret               *string            `gorm:"type:text" json:"-"`
	VerificationMethod   string             `gorm:"size:20" json:"verification_method"`
	VerificationAttempts int                `gorm:"default:0" json:"verification_attempts"`
	LastVerificationAt   *time.Time         `json:"last_verification_at"`
	LastSeenRemoteAt     *time.Time         `json:"last_seen_remote_at"`
	CreatedAt            time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasSecret reports whether a usable signing secret is stored.
func (s *WebhookSubscription) HasSecret() bool {
	return s != nil && s.Secret != nil && *s.Secret != ""
}

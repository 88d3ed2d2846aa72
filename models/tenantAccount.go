package models

import "time"

// TenantAccount is one connected remote company. Rows are written by the
// OAuth callback; this service only reads them.
type TenantAccount struct {
	ID              uint          `gorm:"primary_key" json:"id"`
	Name            string        `gorm:"size:255" json:"name"`
	RemoteCompanyId int64         `gorm:"index;not null" json:"remote_company_id"`
	AccessToken     string        `gorm:"type:text" json:"-"`
	RefreshToken    string        `gorm:"type:text" json:"-"`
	TokenExpiresAt  *time.Time    `json:"token_expires_at"`
	Status          AccountStatus `gorm:"size:20;not null;default:active" json:"status"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *TenantAccount) IsActive() bool {
	return a != nil && a.Status == AccountStatusActive
}

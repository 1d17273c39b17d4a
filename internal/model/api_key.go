package model

import (
	"time"

	"gorm.io/gorm"
)

// Key statuses. The only allowed transition is active -> revoked.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// APIKey represents a client's API key for generating documents.
// The raw credential is never persisted, only its salted hash.
type APIKey struct {
	gorm.Model
	KeyHash     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	KeyPrefix   string     `gorm:"type:varchar(16);not null" json:"key_prefix"`
	AccountName string     `gorm:"type:varchar(120);not null" json:"account_name"`
	Plan        string     `gorm:"type:varchar(50);not null" json:"plan"`
	Status      string     `gorm:"type:varchar(20);default:'active';not null" json:"status"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// IsActive reports whether the key may still be used for generation.
func (k *APIKey) IsActive() bool {
	return k.Status == KeyStatusActive
}

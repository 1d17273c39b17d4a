package model

import "time"

// UsageRecord holds the billable totals of one API key for one calendar month.
// (APIKeyID, Period) is unique; rows are never deleted.
type UsageRecord struct {
	ID           uint      `gorm:"primarykey" json:"-"`
	APIKeyID     uint      `gorm:"not null;uniqueIndex:idx_usage_key_period" json:"api_key_id"`
	APIKey       *APIKey   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	Period       string    `gorm:"type:varchar(7);not null;uniqueIndex:idx_usage_key_period;index" json:"period"`
	RequestCount int64     `gorm:"default:0;not null" json:"request_count"`
	ByteCount    int64     `gorm:"default:0;not null" json:"byte_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"last_updated_at"`
}

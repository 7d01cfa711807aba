package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Embedded documents (onboarding answers,
// analysis results, message lists) are stored as JSONB so they round-trip
// whole, matching the hierarchical-document shape of the mobile client.
type ProfileModel struct {
	TenantID    string `gorm:"primaryKey"`
	Email       string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time `gorm:"not null"`
	LastLoginAt time.Time
	Onboarding  datatypes.JSON `gorm:"type:jsonb"`
	Preferences datatypes.JSON `gorm:"type:jsonb"`
}

type ScanModel struct {
	ID         string         `gorm:"primaryKey"`
	TenantID   string         `gorm:"not null;index"`
	ScanType   string         `gorm:"not null"`
	CapturedAt time.Time      `gorm:"not null;index"`
	Status     string         `gorm:"not null"`
	Images     datatypes.JSON `gorm:"type:jsonb"`
	Result     datatypes.JSON `gorm:"type:jsonb"`
	Processing datatypes.JSON `gorm:"type:jsonb"`
	Backend    string
	ImageURLs  datatypes.JSON `gorm:"type:jsonb"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
}

type ChatSessionModel struct {
	ID             string         `gorm:"primaryKey"`
	TenantID       string         `gorm:"primaryKey"`
	Messages       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null"`
	LastActivityAt time.Time      `gorm:"not null;index"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
}

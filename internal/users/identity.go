package users

import (
	"strings"
	"time"
)

const documentIDPrefix = "user-"

// Identity mirrors a Clerk user locally so repeat requests skip the Clerk and
// Sanity round trips that provision a storefront profile.
type Identity struct {
	ClerkUserID   string    `gorm:"column:clerk_user_id;primaryKey;size:190;not null"`
	SanityDocID   string    `gorm:"column:sanity_doc_id;size:200;not null;uniqueIndex"`
	Email         string    `gorm:"column:user_email;size:320;index"`
	DisplayName   string    `gorm:"column:user_display_name;size:320"`
	AvatarURL     string    `gorm:"column:user_avatar_url;size:512"`
	Role          string    `gorm:"column:role;size:32"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at"`
	LastSessionID string    `gorm:"column:last_session_id;size:190"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// DocumentID returns the Sanity user document id for a Clerk user id.
func DocumentID(clerkUserID string) string {
	return documentIDPrefix + normalize(clerkUserID)
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

package clerk

import (
	"strings"
	"time"
)

// Public metadata keys written by the admin approval workflow.
const (
	MetadataRole           = "role"
	MetadataApprovalStatus = "approvalStatus"
	MetadataAccountType    = "accountType"
	MetadataApprovedAt     = "approvedAt"
	MetadataApprovedBy     = "approvedBy"
)

// EmailAddress is one of the user's verified or unverified addresses.
type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// User is the subset of the Clerk user object the storefront relies on.
type User struct {
	ID                    string         `json:"id"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	Username              string         `json:"username"`
	ImageURL              string         `json:"image_url"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
	PublicMetadata        map[string]any `json:"public_metadata"`
	PrivateMetadata       map[string]any `json:"private_metadata"`
	Banned                bool           `json:"banned"`
	CreatedAtMillis       int64          `json:"created_at"`
	LastSignInAtMillis    int64          `json:"last_sign_in_at"`
}

// PrimaryEmail returns the primary address, or the first one when none is marked primary.
func (u User) PrimaryEmail() string {
	for _, address := range u.EmailAddresses {
		if address.ID == u.PrimaryEmailAddressID {
			return address.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

// FullName joins first and last name, falling back to the username.
func (u User) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Username
	}
	return name
}

// PublicString returns a string public metadata value.
func (u User) PublicString(key string) string {
	if u.PublicMetadata == nil {
		return ""
	}
	value, _ := u.PublicMetadata[key].(string)
	return value
}

// Role returns the role stored in public metadata.
func (u User) Role() string {
	return u.PublicString(MetadataRole)
}

// CreatedAt converts the millisecond timestamp.
func (u User) CreatedAt() time.Time {
	if u.CreatedAtMillis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(u.CreatedAtMillis).UTC()
}

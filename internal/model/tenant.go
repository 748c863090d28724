package model

import "time"

// Tenant represents a registered school. Tenants are created once and never
// modified or recycled afterwards.
type Tenant struct {
	ID             string    `json:"school_id"`
	DisplayName    string    `json:"name"`
	CredentialHash string    `json:"credential_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

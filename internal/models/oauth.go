package models

import "time"

// OAuthState binds a single-use state token to its PKCE verifier and the
// redirect target requested by the mobile client.
type OAuthState struct {
	ID            string    `json:"id" gorm:"primaryKey;type:uuid"`
	State         string    `json:"state" gorm:"uniqueIndex;not null"`
	CodeVerifier  *string   `json:"-"`
	CodeChallenge *string   `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri" gorm:"not null"`
	Used          bool      `json:"used" gorm:"not null;default:false"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" gorm:"index;not null"`
}

// TableName specifies the default table name for OAuthState
func (OAuthState) TableName() string {
	return "oauth_states"
}

package model

import (
	"slices"
	"time"
)

// Ticket purposes
const (
	PurposeEmailVerify   = "email-verify"
	PurposePasswordReset = "password-reset"
	PurposeMobileVerify  = "mobile-verify"
)

// OAuth2 grant types a client may be registered for
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// PKCE code challenge methods
const (
	ChallengeS256  = "S256"
	ChallengePlain = "plain"
)

// DefaultRole is assigned to self-registered users
const DefaultRole = "user"

// User is the identity view returned to callers. Profile fields come from the
// directory, verification flags from the local credential.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Mobile         string    `json:"mobile,omitempty"`
	EmailVerified  bool      `json:"emailVerified"`
	MobileVerified bool      `json:"mobileVerified"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Credential is the stored password record for one subject (email)
type Credential struct {
	Email          string    `json:"email"`
	UserID         string    `json:"userId"`
	PasswordHash   string    `json:"passwordHash"`
	Mobile         string    `json:"mobile,omitempty"`
	EmailVerified  bool      `json:"emailVerified"`
	MobileVerified bool      `json:"mobileVerified"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// VerifyTicket is a single-use value proving control of an email, a mobile number
// or a password reset request.
type VerifyTicket struct {
	Subject   string    `json:"subject"`
	Purpose   string    `json:"purpose"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
	Verified  bool      `json:"verified"`
}

// IsExpired reports whether the ticket deadline has passed
func (t VerifyTicket) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// OAuthClient is registered reference data for an OAuth2 client
type OAuthClient struct {
	ID           string   `json:"id"`
	Secret       string   `json:"secret,omitempty"`
	RedirectURIs []string `json:"redirectUris"`
	GrantTypes   []string `json:"grantTypes"`
	Scopes       []string `json:"scopes"`
}

// IsPublic reports whether the client authenticates without a secret
func (c OAuthClient) IsPublic() bool {
	return c.Secret == ""
}

// AllowsGrant reports whether the client is registered for the grant type
func (c OAuthClient) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// AuthorizationCode is issued on /authorize approval and redeemed once at /token
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ExpiresAt           time.Time `json:"expiresAt"`
	ClientID            string    `json:"clientId"`
	UserID              string    `json:"userId,omitempty"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirectUri,omitempty"`
	CodeChallenge       string    `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string    `json:"codeChallengeMethod,omitempty"`
}

// IsExpired reports whether the code can no longer be redeemed
func (c AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Revoke marks the code permanently expired
func (c *AuthorizationCode) Revoke() {
	c.ExpiresAt = time.Unix(0, 0).UTC()
}

// Token is the persisted record of an issued access/refresh pair. Token values are
// stored as SHA-256 hex digests only.
type Token struct {
	AccessTokenHash       string    `json:"accessTokenHash"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenHash      string    `json:"refreshTokenHash,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt,omitempty"`
	ClientID              string    `json:"clientId"`
	UserID                string    `json:"userId,omitempty"`
	Scopes                []string  `json:"scopes"`
	Revoked               bool      `json:"revoked"`
	IssuedAt              time.Time `json:"issuedAt"`
}

// AccessExpired reports whether the access token is past its deadline
func (t Token) AccessExpired(now time.Time) bool {
	return !now.Before(t.AccessTokenExpiresAt)
}

// RefreshExpired reports whether the refresh token is missing or past its deadline
func (t Token) RefreshExpired(now time.Time) bool {
	return t.RefreshTokenHash == "" || !now.Before(t.RefreshTokenExpiresAt)
}

// TokenPair is the token endpoint response
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

package valkey

import (
	"time"

	"github.com/bestian830/auth-service-sub001/storage"
)

// ============================================================
// JSON Row Types
// ============================================================
//
// Timestamps are stored as integer Unix seconds so the Lua scripts can
// compare them with tonumber().

// signingKeyJSON is the JSON representation of a signing key row
type signingKeyJSON struct {
	Kid           string `json:"kid"`
	Algorithm     string `json:"algorithm"`
	Status        string `json:"status"`
	PrivateKeyPEM string `json:"private_key_pem"`
	PublicN       string `json:"public_n"`
	PublicE       string `json:"public_e"`
	CreatedAt     int64  `json:"created_at"`
	ActivatedAt   int64  `json:"activated_at"`
	RetiredAt     int64  `json:"retired_at,omitempty"`
}

func toSigningKeyJSON(key *storage.SigningKey) *signingKeyJSON {
	j := &signingKeyJSON{
		Kid:           key.Kid,
		Algorithm:     key.Algorithm,
		Status:        string(key.Status),
		PrivateKeyPEM: key.PrivateKeyPEM,
		PublicN:       key.PublicN,
		PublicE:       key.PublicE,
		CreatedAt:     key.CreatedAt.Unix(),
		ActivatedAt:   key.ActivatedAt.Unix(),
	}
	if !key.RetiredAt.IsZero() {
		j.RetiredAt = key.RetiredAt.Unix()
	}
	return j
}

func fromSigningKeyJSON(j *signingKeyJSON) *storage.SigningKey {
	if j == nil {
		return nil
	}
	key := &storage.SigningKey{
		Kid:           j.Kid,
		Algorithm:     j.Algorithm,
		Status:        storage.SigningKeyStatus(j.Status),
		PrivateKeyPEM: j.PrivateKeyPEM,
		PublicN:       j.PublicN,
		PublicE:       j.PublicE,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
		ActivatedAt:   time.Unix(j.ActivatedAt, 0),
	}
	if j.RetiredAt > 0 {
		key.RetiredAt = time.Unix(j.RetiredAt, 0)
	}
	return key
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	Scope               string   `json:"scope,omitempty"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	SubjectUserID       string   `json:"subject_user_id"`
	OrganizationID      string   `json:"organization_id,omitempty"`
	Roles               []string `json:"roles,omitempty"`
	ACR                 string   `json:"acr,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	ExpiresAt           int64    `json:"expires_at"`
	Used                bool     `json:"used"`
	UsedAt              int64    `json:"used_at,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Scope:               code.Scope,
		State:               code.State,
		Nonce:               code.Nonce,
		SubjectUserID:       code.SubjectUserID,
		OrganizationID:      code.OrganizationID,
		Roles:               code.Roles,
		ACR:                 code.ACR,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
	if !code.UsedAt.IsZero() {
		j.UsedAt = code.UsedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scope:               j.Scope,
		State:               j.State,
		Nonce:               j.Nonce,
		SubjectUserID:       j.SubjectUserID,
		OrganizationID:      j.OrganizationID,
		Roles:               j.Roles,
		ACR:                 j.ACR,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
	if j.UsedAt > 0 {
		code.UsedAt = time.Unix(j.UsedAt, 0)
	}
	return code
}

// refreshTokenJSON is the JSON representation of a refresh token row
type refreshTokenJSON struct {
	ID              string   `json:"id"`
	FamilyID        string   `json:"family_id"`
	ClientID        string   `json:"client_id"`
	SubjectUserID   string   `json:"subject_user_id,omitempty"`
	SubjectDeviceID string   `json:"subject_device_id,omitempty"`
	OrganizationID  string   `json:"organization_id,omitempty"`
	Scope           string   `json:"scope,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	ACR             string   `json:"acr,omitempty"`
	Status          string   `json:"status"`
	CreatedAt       int64    `json:"created_at"`
	ExpiresAt       int64    `json:"expires_at"`
	RotatedAt       int64    `json:"rotated_at,omitempty"`
	RevokedAt       int64    `json:"revoked_at,omitempty"`
	RevokeReason    string   `json:"revoke_reason,omitempty"`
}

func toRefreshTokenJSON(token *storage.RefreshToken) *refreshTokenJSON {
	j := &refreshTokenJSON{
		ID:              token.ID,
		FamilyID:        token.FamilyID,
		ClientID:        token.ClientID,
		SubjectUserID:   token.SubjectUserID,
		SubjectDeviceID: token.SubjectDeviceID,
		OrganizationID:  token.OrganizationID,
		Scope:           token.Scope,
		Roles:           token.Roles,
		ACR:             token.ACR,
		Status:          string(token.Status),
		CreatedAt:       token.CreatedAt.Unix(),
		ExpiresAt:       token.ExpiresAt.Unix(),
		RevokeReason:    token.RevokeReason,
	}
	if !token.RotatedAt.IsZero() {
		j.RotatedAt = token.RotatedAt.Unix()
	}
	if !token.RevokedAt.IsZero() {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	return j
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	token := &storage.RefreshToken{
		ID:              j.ID,
		FamilyID:        j.FamilyID,
		ClientID:        j.ClientID,
		SubjectUserID:   j.SubjectUserID,
		SubjectDeviceID: j.SubjectDeviceID,
		OrganizationID:  j.OrganizationID,
		Scope:           j.Scope,
		Roles:           j.Roles,
		ACR:             j.ACR,
		Status:          storage.RefreshTokenStatus(j.Status),
		CreatedAt:       time.Unix(j.CreatedAt, 0),
		ExpiresAt:       time.Unix(j.ExpiresAt, 0),
		RevokeReason:    j.RevokeReason,
	}
	if j.RotatedAt > 0 {
		token.RotatedAt = time.Unix(j.RotatedAt, 0)
	}
	if j.RevokedAt > 0 {
		token.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return token
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	ClientName       string   `json:"client_name,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		Scopes:           client.Scopes,
		ClientName:       client.ClientName,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		ClientName:       j.ClientName,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

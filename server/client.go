package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bestian830/auth-service-sub001/storage"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// AuthenticateClient authenticates an OAuth client from an HTTP request.
// Confidential clients present credentials via HTTP Basic auth or form
// parameters; public clients present only a client_id. The stored
// registration decides which kind of client this is: a client registered
// with a secret hash must authenticate with its secret on every call.
func (s *Server) AuthenticateClient(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID, clientSecret, hasBasicAuth := r.BasicAuth()
	if !hasBasicAuth {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, errInvalidClient("client authentication required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.auditAuthFailure("", clientID, "unknown_client")
			return nil, errInvalidClient("client authentication failed")
		}
		s.Logger.Error("client lookup failed", "error", err)
		return nil, errServerError("client lookup failed")
	}

	if client.ClientType == ClientTypeConfidential {
		if clientSecret == "" {
			s.auditAuthFailure("", clientID, "missing_client_secret")
			return nil, errInvalidClient("client authentication failed")
		}
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			s.auditAuthFailure("", clientID, "invalid_client_secret")
			return nil, errInvalidClient("client authentication failed")
		}
	} else if clientSecret != "" {
		// A public client presenting a secret is a misconfigured or
		// impersonating caller.
		s.auditAuthFailure("", clientID, "unexpected_client_secret")
		return nil, errInvalidClient("client authentication failed")
	}

	return client, nil
}

// ValidateGrantType checks whether the client is allowed to use the
// requested grant type.
func (s *Server) ValidateGrantType(client *storage.Client, grantType string) error {
	// client_credentials is reserved for confidential clients
	if grantType == "client_credentials" && client.ClientType != ClientTypeConfidential {
		return NewError(ErrorCodeUnauthorizedClient, "client_credentials grant requires a confidential client")
	}

	if len(client.GrantTypes) == 0 {
		// Clients registered without an explicit grant list get the
		// authorization code flow only.
		if grantType == "authorization_code" || grantType == "refresh_token" {
			return nil
		}
		return NewError(ErrorCodeUnauthorizedClient, fmt.Sprintf("client is not authorized for grant type %q", grantType))
	}

	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return nil
		}
	}
	return NewError(ErrorCodeUnauthorizedClient, fmt.Sprintf("client is not authorized for grant type %q", grantType))
}

// ClientRegistration describes a client to register.
type ClientRegistration struct {
	ClientName   string
	ClientType   string
	RedirectURIs []string
	GrantTypes   []string
	Scopes       []string
}

// RegisteredClient is the result of a registration, carrying the plaintext
// secret exactly once. The secret is never retrievable afterwards.
type RegisteredClient struct {
	ClientID     string
	ClientSecret string
	Client       *storage.Client
}

// RegisterClient registers a new OAuth client. Confidential clients receive
// a generated secret, returned in plaintext once; only the bcrypt hash is
// stored.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*RegisteredClient, error) {
	if reg.ClientType == "" {
		reg.ClientType = ClientTypePublic
	}
	if reg.ClientType != ClientTypePublic && reg.ClientType != ClientTypeConfidential {
		return nil, NewError(ErrorCodeInvalidRequest, fmt.Sprintf("unknown client type %q", reg.ClientType))
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, NewError(ErrorCodeInvalidRequest, "at least one redirect_uri is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURISecurity(uri, s.Config.Issuer); err != nil {
			return nil, NewError(ErrorCodeInvalidRequest, err.Error())
		}
	}

	client := &storage.Client{
		ClientID:     generateRandomToken(),
		ClientType:   reg.ClientType,
		RedirectURIs: reg.RedirectURIs,
		GrantTypes:   reg.GrantTypes,
		Scopes:       reg.Scopes,
		ClientName:   reg.ClientName,
		CreatedAt:    time.Now().UTC(),
	}

	result := &RegisteredClient{ClientID: client.ClientID, Client: client}

	if reg.ClientType == ClientTypeConfidential {
		secret := generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, errServerError("failed to hash client secret")
		}
		client.ClientSecretHash = string(hash)
		result.ClientSecret = secret
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		s.Logger.Error("client registration failed", "error", err)
		return nil, errServerError("failed to save client")
	}

	s.Logger.Info("client registered",
		slog.String("client_id", client.ClientID),
		slog.String("client_type", client.ClientType),
		slog.String("client_name", client.ClientName))

	return result, nil
}

func (s *Server) auditAuthFailure(subjectID, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(subjectID, clientID, reason)
	}
}

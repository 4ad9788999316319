// Package session is the collaborator-facing entry point for authentication:
// login, logout, the startup check for a stored session, and profile updates.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/florianilch/jigtrack/internal/apierror"
	"github.com/florianilch/jigtrack/internal/client"
	"github.com/florianilch/jigtrack/internal/credentials"
)

// DefaultLoginPath is the API path of the login endpoint.
const DefaultLoginPath = "/auth/login"

// ErrInvalidLogin is returned when the API rejects the submitted credentials.
var ErrInvalidLogin = errors.New("invalid username or password")

// Requester is the request pipeline.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, header http.Header) (*client.Response, error)
}

// State describes a stored session found at startup.
type State struct {
	Authenticated bool            `json:"authenticated"`
	Profile       json.RawMessage `json:"profile,omitempty"`
}

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	Usuario  string `json:"usuario"`
	Password string `json:"password"`
}

// loginResponse is the body returned by POST /auth/login.
type loginResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Profile      json.RawMessage `json:"profile"`
}

// Service manages the user's session.
type Service struct {
	requester   Requester
	credentials *credentials.Manager
	loginPath   string
	logger      *slog.Logger
}

// New creates a Service. loginPath defaults to DefaultLoginPath.
func New(requester Requester, creds *credentials.Manager, loginPath string, logger *slog.Logger) (*Service, error) {
	if requester == nil {
		return nil, fmt.Errorf("missing requester")
	}
	if creds == nil {
		return nil, fmt.Errorf("missing credentials manager")
	}
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		requester:   requester,
		credentials: creds,
		loginPath:   loginPath,
		logger:      logger,
	}, nil
}

// Login authenticates against the API and stores the issued credentials.
// Returns the user profile.
func (s *Service) Login(ctx context.Context, usuario, password string) (json.RawMessage, error) {
	if usuario == "" || password == "" {
		return nil, ErrInvalidLogin
	}

	// A 401 here means bad credentials, not an expired token
	resp, err := s.requester.Request(client.WithoutRefresh(ctx), http.MethodPost, s.loginPath,
		loginRequest{Usuario: usuario, Password: password}, nil)
	if err != nil {
		var statusErr *apierror.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusBadRequest) {
			return nil, ErrInvalidLogin
		}
		return nil, fmt.Errorf("login request failed: %w", err)
	}

	var body loginResponse
	if err := resp.Body.Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding login response: %w", err)
	}
	if body.AccessToken == "" {
		return nil, fmt.Errorf("login response has no access token")
	}

	// Replace whatever the previous user left behind
	if err := s.credentials.Purge(ctx); err != nil {
		s.logger.WarnContext(ctx, "failed to clear previous session", "error", err)
	}
	if err := s.credentials.StoreRecord(ctx, credentials.Record{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Profile:      body.Profile,
	}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "logged in")
	return body.Profile, nil
}

// CurrentToken returns the access token of the stored session, if any.
func (s *Service) CurrentToken(ctx context.Context) (string, bool) {
	return s.credentials.ResolveAccessToken(ctx)
}

// Clear logs the user out by purging every stored credential.
func (s *Service) Clear(ctx context.Context) error {
	return s.credentials.Purge(ctx)
}

// Bootstrap reports whether a previously stored session exists. A session
// without a readable profile is still authenticated.
func (s *Service) Bootstrap(ctx context.Context) State {
	if _, ok := s.credentials.ResolveAccessToken(ctx); !ok {
		return State{}
	}

	state := State{Authenticated: true}
	profile, err := s.credentials.Profile(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "stored session has no profile", "error", err)
		return state
	}
	state.Profile = profile
	return state
}

// UpdateProfile replaces the stored profile after the user edited it.
func (s *Service) UpdateProfile(ctx context.Context, profile json.RawMessage) error {
	return s.credentials.UpdateProfile(ctx, profile)
}

// StoreSignature caches the user's signature for report generation.
func (s *Service) StoreSignature(ctx context.Context, signature string) error {
	return s.credentials.StoreSignature(ctx, signature)
}

// Signature returns the cached signature.
func (s *Service) Signature(ctx context.Context) (string, error) {
	return s.credentials.Signature(ctx)
}

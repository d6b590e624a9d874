package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"authgate/internal/auth"
)

// CredentialStrategy extracts a credential from the request and turns it
// into an authenticated subject. Every variant answers with the engine's
// error taxonomy, so the transport maps failures uniformly.
type CredentialStrategy interface {
	Name() string
	Authenticate(c *gin.Context) (*auth.LoginResult, error)
}

// Local authenticates with an email and password from the JSON body.
type Local struct {
	engine *auth.Engine
}

func (s *Local) Name() string { return "local" }

func (s *Local) Authenticate(c *gin.Context) (*auth.LoginResult, error) {
	var body struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, fmt.Errorf("%w: email and password required", auth.ErrInvalidCredentials)
	}
	return s.engine.Login(c.Request.Context(), body.Email, body.Password)
}

// RefreshCookie authenticates with the refresh token cookie and rotates
// the pair.
type RefreshCookie struct {
	engine *auth.Engine
}

func (s *RefreshCookie) Name() string { return "refresh-cookie" }

func (s *RefreshCookie) Authenticate(c *gin.Context) (*auth.LoginResult, error) {
	presented, err := c.Cookie(refreshCookieName)
	if err != nil || presented == "" {
		return nil, auth.ErrUnauthorized
	}
	acct, err := s.engine.VerifyRefreshToken(c.Request.Context(), presented)
	if err != nil {
		return nil, err
	}
	return s.engine.Refresh(c.Request.Context(), acct.ID, presented)
}

// BearerAccessToken authenticates with the Authorization header. It
// yields the subject without minting anything.
type BearerAccessToken struct {
	engine *auth.Engine
}

func (s *BearerAccessToken) Name() string { return "bearer" }

func (s *BearerAccessToken) Authenticate(c *gin.Context) (*auth.LoginResult, error) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, auth.ErrUnauthorized
	}
	acct, err := s.engine.VerifyAccess(c.Request.Context(), token)
	if err != nil {
		return nil, err
	}
	return &auth.LoginResult{State: auth.StateAuthenticated, Account: acct}, nil
}

// Google exchanges the OAuth callback code for the provider's identity
// and reconciles it against the account store.
type Google struct {
	engine *auth.Engine
	oauth  *oauth2.Config
	client *http.Client
}

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

func (s *Google) Name() string { return "google" }

func (s *Google) Authenticate(c *gin.Context) (*auth.LoginResult, error) {
	code := c.Query("code")
	if code == "" {
		return nil, auth.ErrUnauthorized
	}

	ctx := c.Request.Context()
	if s.client != nil {
		// lets tests stub the provider endpoints
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, auth.ErrUnauthorized
	}

	resp, err := s.oauth.Client(ctx, tok).Get(googleUserinfoURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: fetch google userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, auth.ErrUnauthorized
	}

	var info struct {
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("httpapi: decode google userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, auth.ErrUnauthorized
	}

	return s.engine.ReconcileFederated(ctx, auth.FederatedIdentity{
		Email:         info.Email,
		Name:          info.Name,
		AvatarURL:     info.Picture,
		EmailVerified: info.VerifiedEmail,
	})
}

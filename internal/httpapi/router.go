// Package httpapi is the gin transport over the authentication engine.
// Routes map 1:1 to engine operations; an explicit policy table declares
// which credential each route requires, consulted before dispatch.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"authgate/internal/auth"
)

const (
	refreshCookieName = "authgate_refresh"
	oauthStateCookie  = "authgate_oauth_state"
)

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type Config struct {
	FrontendOrigin string
	RefreshTTL     time.Duration
	CookieSecure   bool
	Google         GoogleConfig
}

type Server struct {
	engine *auth.Engine
	logger *slog.Logger
	config Config

	local   CredentialStrategy
	refresh CredentialStrategy
	bearer  CredentialStrategy
	google  CredentialStrategy
	oauth   *oauth2.Config

	// frontend callback target, derived from FrontendOrigin at startup
	callback *url.URL
}

func NewServer(engine *auth.Engine, logger *slog.Logger, cfg Config) (*Server, error) {
	origin, err := url.Parse(cfg.FrontendOrigin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("httpapi: invalid frontend origin %q", cfg.FrontendOrigin)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 168 * time.Hour
	}

	return &Server{
		engine:   engine,
		logger:   logger,
		config:   cfg,
		local:    &Local{engine: engine},
		refresh:  &RefreshCookie{engine: engine},
		bearer:   &BearerAccessToken{engine: engine},
		google:   &Google{engine: engine, oauth: oauthCfg},
		oauth:    oauthCfg,
		callback: origin.JoinPath("auth", "callback"),
	}, nil
}

// accessPolicy names the credential a route demands.
type accessPolicy int

const (
	accessPublic accessPolicy = iota
	accessBearer
	accessRefreshCookie
)

type routePolicy struct {
	method string
	path   string
	access accessPolicy
	handle gin.HandlerFunc
}

func (s *Server) routes() []routePolicy {
	return []routePolicy{
		{http.MethodPost, "/users", accessPublic, s.handleRegister},
		{http.MethodPost, "/auth/login", accessPublic, s.handleLogin},
		{http.MethodPost, "/auth/refresh", accessRefreshCookie, s.handleRefresh},
		{http.MethodPost, "/auth/sign-out", accessBearer, s.handleSignOut},
		{http.MethodGet, "/auth/email-verify", accessPublic, s.handleVerifyEmail},
		{http.MethodPost, "/auth/reset-password", accessPublic, s.handleRequestReset},
		{http.MethodPatch, "/auth/change-password/:tokenId", accessPublic, s.handleCompleteReset},
		{http.MethodPost, "/auth/2fa/enable", accessBearer, s.handleEnableTwoFactor},
		{http.MethodPost, "/auth/2fa/disable", accessBearer, s.handleDisableTwoFactor},
		{http.MethodPost, "/auth/2fa/verify", accessPublic, s.handleVerifyTwoFactor},
		{http.MethodGet, "/auth/google/login", accessPublic, s.handleGoogleLogin},
		{http.MethodGet, "/auth/google/callback", accessPublic, s.handleGoogleCallback},
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	for _, p := range s.routes() {
		r.Handle(p.method, p.path, s.guard(p), p.handle)
	}
	return r
}

const subjectKey = "httpapi.subject"

// guard enforces the route's policy and stashes the authenticated
// subject for the handler.
func (s *Server) guard(p routePolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		var strategy CredentialStrategy
		switch p.access {
		case accessPublic:
			return
		case accessBearer:
			strategy = s.bearer
		case accessRefreshCookie:
			strategy = s.refresh
		}

		res, err := strategy.Authenticate(c)
		if err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}
		c.Set(subjectKey, res)
	}
}

func subject(c *gin.Context) *auth.LoginResult {
	return c.MustGet(subjectKey).(*auth.LoginResult)
}

package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"authgate/internal/auth"
)

func (s *Server) handleRegister(c *gin.Context) {
	var body struct {
		Email     string `json:"email" binding:"required,email"`
		Username  string `json:"username" binding:"required"`
		Password  string `json:"password" binding:"required,min=8"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := s.engine.Register(c.Request.Context(), auth.RegisterInput{
		Email:     body.Email,
		Username:  body.Username,
		Password:  body.Password,
		AvatarURL: body.AvatarURL,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       acct.ID,
		"email":    acct.Email,
		"username": acct.Username,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	res, err := s.local.Authenticate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondLogin(c, res)
}

// respondLogin turns a terminal login state into the JSON response. The
// refresh token travels only in the cookie, never in the body.
func (s *Server) respondLogin(c *gin.Context, res *auth.LoginResult) {
	switch res.State {
	case auth.StateAuthenticated:
		s.setRefreshCookie(c, res.Tokens.RefreshToken)
		c.JSON(http.StatusCreated, gin.H{
			"state":       res.State,
			"accessToken": res.Tokens.AccessToken,
		})
	case auth.StateTwoFactorRequired:
		c.JSON(http.StatusCreated, gin.H{
			"state":            res.State,
			"pendingSessionId": res.PendingSession,
		})
	case auth.StateEmailUnverified:
		c.JSON(http.StatusCreated, gin.H{
			"state":   res.State,
			"message": "verification email sent",
		})
	}
}

func (s *Server) handleRefresh(c *gin.Context) {
	res := subject(c)
	s.setRefreshCookie(c, res.Tokens.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"accessToken": res.Tokens.AccessToken})
}

func (s *Server) handleSignOut(c *gin.Context) {
	res := subject(c)
	if err := s.engine.SignOut(c.Request.Context(), res.Account.ID); err != nil {
		s.fail(c, err)
		return
	}
	s.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleVerifyEmail(c *gin.Context) {
	tokenID, err := uuid.Parse(c.Query("tokenId"))
	if err != nil {
		s.fail(c, auth.ErrNotFound)
		return
	}
	if err := s.engine.VerifyEmail(c.Request.Context(), tokenID, c.Query("token")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "email verified"})
}

func (s *Server) handleRequestReset(c *gin.Context) {
	var body struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.RequestPasswordReset(c.Request.Context(), body.Email); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "password reset email sent"})
}

func (s *Server) handleCompleteReset(c *gin.Context) {
	tokenID, err := uuid.Parse(c.Param("tokenId"))
	if err != nil {
		s.fail(c, auth.ErrNotFound)
		return
	}
	var body struct {
		Token       string `json:"token" binding:"required"`
		NewPassword string `json:"newPassword" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.CompletePasswordReset(c.Request.Context(), tokenID, body.Token, body.NewPassword); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

func (s *Server) handleEnableTwoFactor(c *gin.Context) {
	res := subject(c)
	setup, err := s.engine.EnableTwoFactor(c.Request.Context(), res.Account.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"secret":          setup.Secret,
		"provisioningUri": setup.ProvisioningURI,
	})
}

func (s *Server) handleDisableTwoFactor(c *gin.Context) {
	res := subject(c)
	if err := s.engine.DisableTwoFactor(c.Request.Context(), res.Account.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleVerifyTwoFactor(c *gin.Context) {
	var body struct {
		SessionID string `json:"sessionId" binding:"required"`
		Code      string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.engine.CompleteTwoFactor(c.Request.Context(), body.SessionID, body.Code)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondLogin(c, res)
}

func (s *Server) handleGoogleLogin(c *gin.Context) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		s.fail(c, err)
		return
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth/google",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	c.Redirect(http.StatusTemporaryRedirect, s.oauth.AuthCodeURL(state))
}

// handleGoogleCallback finishes the federated flow with redirects back to
// the frontend instead of JSON bodies.
func (s *Server) handleGoogleCallback(c *gin.Context) {
	wanted, err := c.Cookie(oauthStateCookie)
	if err != nil || wanted == "" || c.Query("state") != wanted {
		s.redirectError(c, "state mismatch")
		return
	}

	res, err := s.google.Authenticate(c)
	if err != nil {
		if isClientErr(err) {
			s.redirectError(c, "authentication failed")
			return
		}
		s.logger.Error("google callback failed", "err", err)
		s.redirectError(c, "internal error")
		return
	}

	target := *s.callback
	q := target.Query()
	q.Set("state", string(res.State))
	switch res.State {
	case auth.StateAuthenticated:
		s.setRefreshCookie(c, res.Tokens.RefreshToken)
		q.Set("accessToken", res.Tokens.AccessToken)
	case auth.StateTwoFactorRequired:
		q.Set("pendingSessionId", res.PendingSession)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusTemporaryRedirect, target.String())
}

func (s *Server) redirectError(c *gin.Context, reason string) {
	c.Redirect(http.StatusTemporaryRedirect,
		fmt.Sprintf("%s?error=%s", s.callback, url.QueryEscape(reason)))
}

func (s *Server) setRefreshCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.config.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func isClientErr(err error) bool {
	for _, sentinel := range []error{
		auth.ErrInvalidCredentials,
		auth.ErrAccountLocked,
		auth.ErrUnauthorized,
		auth.ErrConflict,
		auth.ErrExpired,
		auth.ErrNotFound,
		auth.ErrInvalidToken,
		auth.ErrDeliveryFailed,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// fail maps the engine taxonomy onto status codes. Anything outside the
// taxonomy is an internal error and only logged, never echoed.
func (s *Server) fail(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountLocked):
		status = http.StatusForbidden
	case errors.Is(err, auth.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, auth.ErrDeliveryFailed):
		status = http.StatusBadGateway
	default:
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

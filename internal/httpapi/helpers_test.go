package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"authgate/internal/auth"
	"authgate/internal/model"
	"authgate/internal/password"
	"authgate/internal/session"
	"authgate/internal/store/storetest"
	"authgate/internal/token"
	"authgate/internal/totp"
)

type sentMail struct {
	To       string
	Template string
	Data     map[string]string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) Send(_ context.Context, to, _, template string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{To: to, Template: template, Data: data})
	return nil
}

func (f *fakeMailer) lastLink(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no mail was sent")
	}
	u, err := url.Parse(f.sent[len(f.sent)-1].Data["Link"])
	if err != nil {
		t.Fatalf("mailed link does not parse: %v", err)
	}
	id, err := uuid.Parse(u.Query().Get("tokenId"))
	if err != nil {
		t.Fatalf("mailed link has no tokenId: %v", err)
	}
	return id, u.Query().Get("token")
}

type apiEnv struct {
	router *gin.Engine
	engine *auth.Engine
	mem    *storetest.Memory
	mailer *fakeMailer
	hasher *password.Hasher
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := storetest.NewMemory()

	pwCfg := password.DefaultConfig()
	pwCfg.Memory = 8 * 1024
	pwCfg.Time = 1
	hasher, err := password.NewHasher(pwCfg)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	issuer, err := token.NewIssuer(mem, token.IssuerConfig{
		AccessKey:  []byte("test-access-signing-key"),
		RefreshKey: []byte("test-refresh-signing-key"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 168 * time.Hour,
		Issuer:     "authgate",
	})
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	ledger, err := token.NewLedger(mem, token.LedgerConfig{TTL: 15 * time.Minute})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pending, err := session.NewPendingStore(client, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewPendingStore failed: %v", err)
	}

	totpManager, err := totp.NewManager(totp.DefaultConfig("authgate"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	mailer := &fakeMailer{}
	engine, err := auth.NewEngine(mem, hasher, issuer, ledger, pending, totpManager, mailer, auth.Config{
		MaxFailedLogins: 5,
		LockoutDuration: 15 * time.Minute,
		EphemeralTTL:    15 * time.Minute,
		VerifyURL:       "https://app.example.com/auth/email-verify",
		ResetURL:        "https://app.example.com/auth/change-password",
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewServer(engine, logger, Config{
		FrontendOrigin: "https://app.example.com",
		RefreshTTL:     168 * time.Hour,
		Google: GoogleConfig{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			RedirectURL:  "https://api.example.com/auth/google/callback",
		},
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	return &apiEnv{
		router: server.Router(),
		engine: engine,
		mem:    mem,
		mailer: mailer,
		hasher: hasher,
	}
}

func (env *apiEnv) seedAccount(t *testing.T, email, pass string, mutate func(*model.Account)) model.Account {
	t.Helper()
	hash, err := env.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	acct := model.Account{
		ID:            uuid.New(),
		Email:         email,
		Username:      strings.SplitN(email, "@", 2)[0],
		Role:          "user",
		Provider:      model.ProviderLocal,
		PasswordHash:  hash,
		EmailVerified: true,
	}
	if mutate != nil {
		mutate(&acct)
	}
	return env.mem.Seed(acct)
}

type request struct {
	method  string
	path    string
	body    any
	bearer  string
	cookies []*http.Cookie
}

func (env *apiEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq := httptest.NewRequest(req.method, req.path, reader)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.bearer)
	}
	for _, ck := range req.cookies {
		httpReq.AddCookie(ck)
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, httpReq)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func refreshCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == refreshCookieName {
			return ck
		}
	}
	t.Fatal("no refresh cookie set")
	return nil
}

// login runs the password flow and returns the access token and refresh
// cookie, failing the test unless it terminates authenticated.
func (env *apiEnv) login(t *testing.T, email, pass string) (string, *http.Cookie) {
	t.Helper()

	rec := env.do(t, request{
		method: http.MethodPost,
		path:   "/auth/login",
		body:   map[string]string{"email": email, "password": pass},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("login status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	access, _ := body["accessToken"].(string)
	if access == "" {
		t.Fatalf("login did not return an access token: %v", body)
	}
	return access, refreshCookie(t, rec)
}

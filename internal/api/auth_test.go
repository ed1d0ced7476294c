package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RockChinQ/LangBot/internal/config"
)

func testServer(sys *config.SystemConfig) *Server {
	snap := &config.Snapshot{System: sys}
	return &Server{
		configfn: func() *config.Snapshot { return snap },
		logger:   slog.Default(),
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

func TestRequireAuth(t *testing.T) {
	sys := config.DefaultSystem()
	sys.HTTPAPI.JWTSecret = "topsecret"
	s := testServer(sys)

	var reached bool
	protected := s.requireAuth(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		writeJSON(w, http.StatusOK, nil)
	})

	token, err := s.issueToken()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantReach  bool
	}{
		{"no header", "", http.StatusUnauthorized, false},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, false},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, false},
		{"valid token", "Bearer " + token, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodGet, "/api/v1/bots", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			protected(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReach {
				t.Fatalf("handler reached = %v, want %v", reached, tt.wantReach)
			}
		})
	}
}

func TestRequireAuthWithoutSecret(t *testing.T) {
	s := testServer(config.DefaultSystem())
	protected := s.requireAuth(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run without a configured secret")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bots", nil)
	rec := httptest.NewRecorder()
	protected(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestTokenRejectedAfterSecretRotation(t *testing.T) {
	sys := config.DefaultSystem()
	sys.HTTPAPI.JWTSecret = "old-secret"
	s := testServer(sys)

	token, err := s.issueToken()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	sys.HTTPAPI.JWTSecret = "new-secret"

	protected := s.requireAuth(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("stale token must not pass")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protected(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleAuth(t *testing.T) {
	sys := config.DefaultSystem()
	sys.HTTPAPI.JWTSecret = "topsecret"
	sys.HTTPAPI.AdminPassword = "hunter2"
	s := testServer(sys)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/user/auth",
		strings.NewReader(`{"password":"wrong"}`))
	rec := httptest.NewRecorder()
	s.handleAuth(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/user/auth",
		strings.NewReader(`{"password":"hunter2"}`))
	rec = httptest.NewRecorder()
	s.handleAuth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, _ := env.Data.(map[string]any)
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatalf("no token in response: %+v", env)
	}

	// The issued token opens protected routes.
	var reached bool
	protected := s.requireAuth(func(http.ResponseWriter, *http.Request) { reached = true })
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	protected(httptest.NewRecorder(), req)
	if !reached {
		t.Fatalf("issued token rejected")
	}
}

func TestCheckPasswordUnsetNeverMatches(t *testing.T) {
	s := testServer(config.DefaultSystem())
	if s.checkPassword("") || s.checkPassword("anything") {
		t.Fatalf("empty admin password must reject every attempt")
	}
}

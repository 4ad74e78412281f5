package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims, key string, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserIDFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(id))
	})
}

func TestAuthMiddleware(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name     string
		header   string
		query    string
		wantCode int
		wantUser string
	}{
		{name: "string claim", header: "Bearer " + sign(t, jwt.MapClaims{"user_id": "u1", "exp": exp}, secret, jwt.SigningMethodHS256), wantCode: http.StatusOK, wantUser: "u1"},
		{name: "numeric claim", header: "bearer " + sign(t, jwt.MapClaims{"user_id": 42, "exp": exp}, secret, jwt.SigningMethodHS256), wantCode: http.StatusOK, wantUser: "42"},
		{name: "query token", query: sign(t, jwt.MapClaims{"user_id": "u2", "exp": exp}, secret, jwt.SigningMethodHS256), wantCode: http.StatusOK, wantUser: "u2"},
		{name: "missing", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantCode: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + sign(t, jwt.MapClaims{"user_id": "u1", "exp": exp}, "other", jwt.SigningMethodHS256), wantCode: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(-time.Minute).Unix()}, secret, jwt.SigningMethodHS256), wantCode: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + sign(t, jwt.MapClaims{"user_id": "u1"}, secret, jwt.SigningMethodHS256), wantCode: http.StatusUnauthorized},
		{name: "no user", header: "Bearer " + sign(t, jwt.MapClaims{"exp": exp}, secret, jwt.SigningMethodHS256), wantCode: http.StatusUnauthorized},
	}
	handler := AuthMiddleware(secret)(echoUser())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/wallet"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if tc.wantUser != "" && rec.Body.String() != tc.wantUser {
				t.Fatalf("expected user %q, got %q", tc.wantUser, rec.Body.String())
			}
		})
	}
}

func TestOperatorMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("op-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name string
		hash string
		key  string
		want int
	}{
		{"valid key", string(hash), "op-key", http.StatusNoContent},
		{"wrong key", string(hash), "nope", http.StatusUnauthorized},
		{"missing key", string(hash), "", http.StatusUnauthorized},
		{"unconfigured", "", "op-key", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/operator/points", nil)
			if tc.key != "" {
				req.Header.Set(OperatorKeyHeader, tc.key)
			}
			rec := httptest.NewRecorder()
			OperatorMiddleware(tc.hash)(ok).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2, zap.NewNop())
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/payments/redirect/callback", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("request %d within burst: %d", i, code)
		}
	}
	if code := call("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over burst, got %d", code)
	}
	if code := call("10.0.0.2:1234"); code != http.StatusOK {
		t.Fatalf("other client must have its own bucket, got %d", code)
	}
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	handler := RequestLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

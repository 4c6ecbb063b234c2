package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("error", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type staticKeys string

func (k staticKeys) VerifyAPIKey(key string) bool { return key == string(k) }

func signed(t *testing.T, secret []byte, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{Subject: "api-client", ExpiresAt: jwt.NewNumericDate(exp)})
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	secret := []byte("s3cret")
	var subject string
	h := Auth(secret, staticKeys("k-1"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = GetSubject(r.Context())
	}))

	tests := []struct {
		name    string
		header  string
		value   string
		status  int
		subject string
	}{
		{name: "no credentials", status: http.StatusUnauthorized},
		{name: "valid token", header: "Authorization", value: "Bearer " + signed(t, secret, jwt.SigningMethodHS256, time.Now().Add(time.Hour)), status: http.StatusOK, subject: "api-client"},
		{name: "expired token", header: "Authorization", value: "Bearer " + signed(t, secret, jwt.SigningMethodHS256, time.Now().Add(-time.Hour)), status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Authorization", value: "Bearer " + signed(t, []byte("other"), jwt.SigningMethodHS256, time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "wrong method", header: "Authorization", value: "Bearer " + signed(t, secret, jwt.SigningMethodHS512, time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "api key", header: APIKeyHeader, value: "k-1", status: http.StatusOK, subject: "api-key"},
		{name: "bad api key", header: APIKeyHeader, value: "k-2", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.Equal(t, tt.status, rr.Code)
			require.Equal(t, tt.subject, subject)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.1"))
	require.False(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	require.True(t, l.Allow("10.0.0.1"))

	// idle visitors are dropped
	now = now.Add(time.Hour)
	l.Allow("10.0.0.3")
	require.Len(t, l.visitors, 1)

	h := l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", "192.0.2.7, 10.0.0.1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRequestIDAndRecovery(t *testing.T) {
	h := RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "req-1", rr.Header().Get(RequestIDHeader))
	require.Contains(t, rr.Body.String(), `"success":false`)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

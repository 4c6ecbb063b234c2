package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKeyType string

const (
	SubjectKey   subjectKeyType = "subject"
	APIKeyHeader                = "X-API-Key"
)

// KeyVerifier checks a raw API key.
type KeyVerifier interface {
	VerifyAPIKey(apiKey string) bool
}

// Auth accepts either a Bearer JWT signed with hmacSecret or an X-API-Key
// header checked by keys. Either may be disabled by passing nil.
func Auth(hmacSecret []byte, keys KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(APIKeyHeader); key != "" && keys != nil {
				if keys.VerifyAPIKey(key) {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SubjectKey, "api-key")))
					return
				}
				unauthorized(w)
				return
			}

			ah := r.Header.Get("Authorization")
			if len(hmacSecret) == 0 || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				unauthorized(w)
				return
			}
			tokenStr := strings.TrimSpace(ah[len("Bearer "):])
			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				return hmacSecret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", http.StatusText(http.StatusUnauthorized))
}

func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

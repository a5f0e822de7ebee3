// Package authmw is the JWT auth middleware for the companion API surface
// that shares this core's secret/token model. It is not wired into the
// ingestion worker or supervisor -- neither serves HTTP -- but is
// available to any admin/filters-management surface a deployment layers
// on top of this core.
package authmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Authenticator decodes "Authorization: [Bearer ]<JWT>" against a
// process-wide secret and signing method, binding user_id on the request.
type Authenticator struct {
	secret    []byte
	method    jwt.SigningMethod
	adminName string
}

func New(secret []byte, method jwt.SigningMethod, adminName string) *Authenticator {
	return &Authenticator{secret: secret, method: method, adminName: adminName}
}

// Middleware rejects requests with no Authorization header with 401, and
// ones with an invalid or expired token with 400.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		tokenStr = strings.TrimSpace(tokenStr)

		userID, err := a.decode(tokenStr)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly additionally requires the bound user id to equal the configured
// admin name, responding 403 otherwise.
func (a *Authenticator) AdminOnly(next http.Handler) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) != a.adminName {
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *Authenticator) decode(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{a.method.Alg()}))
	if err != nil {
		return "", err
	}
	userID, _ := claims["user_id"].(string)
	return userID, nil
}

// UserID returns the user id bound by Middleware, or "" if none.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

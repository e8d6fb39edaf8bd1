package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	operatorIDKey contextKey = "operator_id"
	roleKey       contextKey = "role"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Claims struct {
	OperatorID string `json:"uid"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Middleware admits HS256 bearer tokens whose role is one of roles.
func Middleware(secret string, roles ...string) func(http.Handler) http.Handler {
	if len(roles) == 0 {
		roles = []string{RoleOperator, RoleAdmin}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeUnauthorized(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			tokenRaw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenRaw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.OperatorID == "" {
				writeUnauthorized(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeUnauthorized(w, http.StatusForbidden, "forbidden", "role not permitted")
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDKey, claims.OperatorID)
			ctx = context.WithValue(ctx, roleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}

func OperatorIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(operatorIDKey)
	s, ok := v.(string)
	return s, ok && s != ""
}

func RoleFromContext(ctx context.Context) string {
	s, _ := ctx.Value(roleKey).(string)
	return s
}

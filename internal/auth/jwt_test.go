package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestMiddleware(t *testing.T) {
	expired := jwt.NewNumericDate(time.Now().Add(-time.Minute))
	tests := []struct {
		name   string
		header func(t *testing.T) string
		roles  []string
		want   int
	}{
		{"missing header", func(*testing.T) string { return "" }, nil, http.StatusUnauthorized},
		{"not bearer", func(*testing.T) string { return "Basic abc" }, nil, http.StatusUnauthorized},
		{"wrong secret", func(t *testing.T) string {
			return "Bearer " + signToken(t, "other", jwt.SigningMethodHS256, Claims{OperatorID: "op_1", Role: RoleOperator})
		}, nil, http.StatusUnauthorized},
		{"expired", func(t *testing.T) string {
			return "Bearer " + signToken(t, "s3cret", jwt.SigningMethodHS256, Claims{
				OperatorID:       "op_1",
				Role:             RoleOperator,
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: expired},
			})
		}, nil, http.StatusUnauthorized},
		{"missing uid", func(t *testing.T) string {
			return "Bearer " + signToken(t, "s3cret", jwt.SigningMethodHS256, Claims{Role: RoleOperator})
		}, nil, http.StatusUnauthorized},
		{"role not permitted", func(t *testing.T) string {
			return "Bearer " + signToken(t, "s3cret", jwt.SigningMethodHS256, Claims{OperatorID: "op_1", Role: RoleOperator})
		}, []string{RoleAdmin}, http.StatusForbidden},
		{"operator ok", func(t *testing.T) string {
			return "Bearer " + signToken(t, "s3cret", jwt.SigningMethodHS256, Claims{OperatorID: "op_1", Role: RoleOperator})
		}, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := Middleware("s3cret", tt.roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = OperatorIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if hv := tt.header(t); hv != "" {
				req.Header.Set("Authorization", hv)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if tt.want == http.StatusOK && seen != "op_1" {
				t.Fatalf("expected operator in context, got %q", seen)
			}
		})
	}
}

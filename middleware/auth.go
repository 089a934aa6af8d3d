package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	SubjectKey contextKey = "auth_subject"
	RoleKey    contextKey = "auth_role"

	RoleAdmin = "admin"
	// RoleService is carried by integrators calling the /v1 API.
	RoleService = "service"
)

// Claims are the claims a bearer token must carry.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	jwtSecret []byte
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: []byte(jwtSecret)}
}

func (m *AuthMiddleware) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid HS256 bearer token whose
// role claim is admin.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return m.require(next, RoleAdmin)
}

// RequireService admits service and admin tokens.
func (m *AuthMiddleware) RequireService(next http.Handler) http.Handler {
	return m.require(next, RoleService, RoleAdmin)
}

func (m *AuthMiddleware) require(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := m.parse(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !slices.Contains(roles, claims.Role) {
			writeError(w, http.StatusForbidden, roles[0]+" role required")
			return
		}

		subject := claims.Subject
		if subject == "" {
			subject = claims.Role
		}
		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAdmin returns the subject of the authenticated admin, if any.
func GetAdmin(ctx context.Context) string {
	if !IsAdmin(ctx) {
		return ""
	}
	val, _ := ctx.Value(SubjectKey).(string)
	return val
}

func IsAdmin(ctx context.Context) bool {
	role, _ := ctx.Value(RoleKey).(string)
	return role == RoleAdmin
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"simulado-service/internal/domain"
)

type identityKey struct{}

// Authenticator resolves the caller identity. With a secret it expects an HS256
// bearer token whose "sub" (or "user_id") claim is the user id and whose
// "role" claim may be "admin". Without a secret it trusts the X-User-ID and
// X-User-Role headers set by an upstream gateway.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Middleware rejects requests without an identity and stores it on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identify(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (a *Authenticator) identify(r *http.Request) (domain.Identity, error) {
	if len(a.secret) == 0 {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			return domain.Identity{}, errUnauthorized
		}
		return domain.Identity{UserID: userID, Role: parseRole(r.Header.Get("X-User-Role"))}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return domain.Identity{}, errUnauthorized
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Identity{}, errUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, errUnauthorized
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		userID, _ = claims["user_id"].(string)
	}
	if userID == "" {
		return domain.Identity{}, errUnauthorized
	}
	role, _ := claims["role"].(string)
	return domain.Identity{UserID: userID, Role: parseRole(role)}, nil
}

// bearerToken reads the Authorization header, falling back to the "token"
// query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return r.URL.Query().Get("token")
}

func parseRole(raw string) domain.Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(domain.RoleAdmin)) {
		return domain.RoleAdmin
	}
	return domain.RoleStudent
}

// IdentityFrom returns the identity stored by the middleware.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

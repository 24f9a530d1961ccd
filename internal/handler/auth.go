package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavelanni/testforge/internal/model"
)

// sessionCookieName is the cookie the identity provider sets in browsers.
const sessionCookieName = "__session"

var errInvalidToken = errors.New("invalid or expired token")

// requireAuth is middleware that verifies an identity provider token from the
// Authorization header or the session cookie. With no secret configured the
// gate is open and requests carry no user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			if c, err := r.Cookie(sessionCookieName); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		subject, err := h.verifyToken(token)
		if err != nil {
			slog.Debug("rejected token", "path", r.URL.Path, "error", err)
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyToken checks an HS256 token and returns its subject.
func (h *Handler) verifyToken(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if h.config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(h.config.JWTIssuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(h.config.JWTSecret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	if claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// ownedBy reports whether the current user may see a resource created by
// owner. Anonymous resources and an open gate allow everyone.
func ownedBy(r *http.Request, owner string) bool {
	user := model.UserFromContext(r.Context())
	return owner == "" || user == "" || owner == user
}

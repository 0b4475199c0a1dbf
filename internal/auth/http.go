// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the principal to context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-control/internal/apierr"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware validates bearer tokens with verifier. A nil verifier
// disables authentication and every request runs as Anonymous.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := WithPrincipal(r.Context(), &Principal{ID: Anonymous, Anonymous: true})
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				apierr.Write(w, apierr.Unauthorized(errMsg))
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected api token", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				apierr.Write(w, apierr.New(http.StatusUnauthorized, apierr.CodeInvalidToken, msg))
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{ID: principalID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package bootrpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/zipper-works/zipper/internal/token"
)

type claimsContextKey struct{}

// requireBootAuth verifies the bearer boot credential and, when the request
// carries a deployment_id query parameter, cross-checks it against the
// credential's claim. A mismatch is a hard 403; the claim is never silently
// substituted for the query value or vice versa.
func (s *Service) requireBootAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(auth, "Bearer ")
		if raw == "" || raw == auth {
			writeError(w, http.StatusUnauthorized, "missing boot credential")
			return
		}

		claims, err := s.signer.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid boot credential")
			return
		}

		if dep := r.URL.Query().Get("deployment_id"); dep != "" && dep != claims.DeploymentID {
			writeError(w, http.StatusForbidden, "deployment mismatch")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *token.Claims {
	claims, _ := r.Context().Value(claimsContextKey{}).(*token.Claims)
	return claims
}

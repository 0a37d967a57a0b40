package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCConfig holds OIDC authentication settings.
type OIDCConfig struct {
	IssuerURL string
	Audience  string
	Enabled   bool
}

type contextKey string

const (
	ctxSubject  contextKey = "subject"
	ctxProjects contextKey = "projects"
)

// SubjectFromContext extracts the authenticated subject.
func SubjectFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubject).(string)
	return v
}

// ProjectsFromContext returns the projects the token grants. Nil means the
// token carried no project restriction.
func ProjectsFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxProjects).([]string)
	return v
}

// oidcAuth returns middleware that verifies JWT Bearer tokens using OIDC
// discovery. Health and metrics bypass authentication.
func oidcAuth(provider *oidc.Provider, audience string) func(http.Handler) http.Handler {
	verifier := provider.Verifier(&oidc.Config{ClientID: audience})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v1/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}

			token, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
				return
			}

			var claims struct {
				Sub      string   `json:"sub"`
				Email    string   `json:"email"`
				Projects []string `json:"projects"`
			}
			if err := token.Claims(&claims); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := r.Context()
			subject := claims.Sub
			if subject == "" {
				subject = claims.Email
			}
			if subject != "" {
				ctx = context.WithValue(ctx, ctxSubject, subject)
			}
			if len(claims.Projects) > 0 {
				ctx = context.WithValue(ctx, ctxProjects, claims.Projects)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// project rejects requests for a project the token does not grant.
func (s *Server) project(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		granted := ProjectsFromContext(r.Context())
		if granted != nil && !slices.Contains(granted, r.PathValue("project")) {
			writeError(w, http.StatusForbidden, "project not granted")
			return
		}
		next(w, r)
	}
}

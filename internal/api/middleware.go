package api

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/user/ticketdesk/internal/types"
)

type ctxKey struct{}

// userFrom returns the authenticated user stored by requireAuth.
func userFrom(ctx context.Context) types.UserID {
	user, _ := ctx.Value(ctxKey{}).(types.UserID)
	return user
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(s.cfg.CORSOrigins, origin) || slices.Contains(s.cfg.CORSOrigins, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth accepts "Authorization: Bearer <token>" or, for EventSource
// clients that cannot set headers, an access_token query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("access_token"); q != "" {
			token = q
		}

		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		user, err := s.auth.Verify(token)
		if err != nil {
			unauthorized(w, "invalid bearer token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ticketdesk"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg})
}

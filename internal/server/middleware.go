package server

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/ehrlich-b/chatndev/internal/auth"
)

// withHeaders sets the cross-origin isolation headers browser runtimes need
// and answers CORS for allowed origins.
func (s *Server) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cross-Origin-Embedder-Policy", "require-corp")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")

		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originPatterns reduces configured origins to the host patterns websocket
// origin checks use.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		o = strings.TrimSuffix(o, "/")
		if o != "" {
			out = append(out, strings.ToLower(o))
		}
	}
	return out
}

func (s *Server) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, p := range s.origins {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}

// requireAuth verifies the bearer token before calling h.
func (s *Server) requireAuth(h func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			s.metrics.Rejected("http_auth")
			writeError(w, http.StatusUnauthorized, "Authentication error")
			return
		}
		h(w, r, id)
	}
}

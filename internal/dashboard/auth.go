package dashboard

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mantis-sec/mantis/internal/audit"
)

const (
	authCookie  = "mantis_token"
	sessionTTL  = 7 * 24 * time.Hour
	tokenIssuer = "mantis"
)

// mintSession signs a session JWT with the configured auth token as the
// HMAC secret.
func (s *Server) mintSession() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.AuthToken))
}

// validSession verifies a session JWT. The raw auth token is also accepted
// so scripted clients can skip the cookie dance.
func (s *Server) validSession(token string) bool {
	if token == "" {
		return false
	}
	if token == s.cfg.AuthToken {
		return true
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.AuthToken), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	return err == nil && parsed.Valid
}

// authMiddleware guards every route except the login page and token
// exchange when an auth token is configured. API and WebSocket requests get
// a 401; page requests are redirected to /login.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/login" || r.URL.Path == "/api/auth" {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if c, err := r.Cookie(authCookie); err == nil {
			token = c.Value
		}
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if token == "" && r.URL.Path == "/ws" {
			token = r.URL.Query().Get("token")
		}
		if s.validSession(token) {
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api") || r.URL.Path == "/ws" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
}

// handleAuth exchanges the configured auth token for a session cookie.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthToken == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Token != s.cfg.AuthToken {
		s.record(r, audit.ActionLoginFailed, nil)
		writeJSONError(w, http.StatusForbidden, "invalid token")
		return
	}

	session, err := s.mintSession()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    session,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	s.record(r, audit.ActionLogin, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package auth guards the chat API with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

// Authenticator checks bearer tokens against either a plain secret or a
// bcrypt hash of one. With neither configured every request is allowed.
type Authenticator struct {
	token []byte
	hash  []byte
}

func NewAuthenticator(token, tokenHash string) *Authenticator {
	a := &Authenticator{}
	if token != "" {
		a.token = []byte(token)
	}
	if tokenHash != "" {
		a.hash = []byte(tokenHash)
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return a.token != nil || a.hash != nil
}

// Verify returns ErrUnauthorized when presented does not match.
func (a *Authenticator) Verify(presented string) error {
	if !a.Enabled() {
		return nil
	}
	if presented == "" {
		return domain.ErrUnauthorized
	}

	if a.hash != nil {
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(presented)); err != nil {
			return domain.ErrUnauthorized
		}
		return nil
	}

	if subtle.ConstantTimeCompare(a.token, []byte(presented)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

// HashToken produces the value for WEB_CHAT_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// Middleware rejects requests without a valid token. Paths listed in public
// are passed through.
func (a *Authenticator) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() || open[r.URL.Path] || !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			if err := a.Verify(BearerToken(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="arena"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const basicAuthRealm = `Basic realm="dotestoor"`

// basicAuth checks credentials against the configured bcrypt hashes.
func (s *server) basicAuth(next http.Handler) http.Handler {
	users := make(map[string][]byte, len(s.cfg.BasicAuth.Users))
	for _, u := range s.cfg.BasicAuth.Users {
		users[u.Username] = []byte(u.PasswordHash)
	}

	// Unknown users are compared against this hash so response time does
	// not reveal which usernames exist.
	dummy, err := bcrypt.GenerateFromPassword([]byte("dotestoor"), bcrypt.MinCost)
	if err != nil {
		s.log.WithError(err).Warn("Failed to generate placeholder hash")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !checkPassword(users, dummy, username, password) {
			w.Header().Set("WWW-Authenticate", basicAuthRealm)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func checkPassword(users map[string][]byte, dummy []byte, username, password string) bool {
	hash, known := users[username]
	if !known {
		_ = bcrypt.CompareHashAndPassword(dummy, []byte(password))

		return false
	}

	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

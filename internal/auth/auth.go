// Package auth decides who may trigger compaction.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// Service accepts the scheduler's shared secret as a bearer token or an
// operator's admin key as the "key" query parameter.
type Service struct {
	cronSecret string
	adminKey   string
}

func New(cronSecret, adminKey string) *Service {
	return &Service{cronSecret: cronSecret, adminKey: adminKey}
}

// Authorize reports whether r carries a valid credential. An unset secret
// never matches.
func (s *Service) Authorize(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		if equal(strings.TrimSpace(h[len(bearerPrefix):]), s.cronSecret) {
			return true
		}
	}
	return equal(r.URL.Query().Get("key"), s.adminKey)
}

// Enabled reports whether any credential is configured.
func (s *Service) Enabled() bool {
	return s.cronSecret != "" || s.adminKey != ""
}

func equal(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

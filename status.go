package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"path"
	"strconv"

	"github.com/unixpickle/primeempire/master"
)

// StatusHandler serves a JSON snapshot of a Master.
type StatusHandler struct {
	Master *master.Master

	// Password guards the endpoint with HTTP basic auth.
	// It is open when empty.
	Password string
}

func (s *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	if !s.IsAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="primeempire"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch path.Clean(r.URL.Path) {
	case "/status":
		s.ServeStatus(w, r)
	default:
		http.NotFound(w, r)
	}
}

// IsAuth returns whether or not the request carries the
// admin password.
func (s *StatusHandler) IsAuth(r *http.Request) bool {
	if s.Password == "" {
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.Password)) == 1
}

func (s *StatusHandler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.Master.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	encoded, err := json.Marshal(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	w.Write(encoded)
}

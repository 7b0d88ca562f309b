// Package api serves the HTTP surface of a queen or a drone.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	// ErrNotLeader is returned to clients that submit a task to a queen that does not lead.
	ErrNotLeader = errors.New("hive: not the leader")
	// ErrWrongMode is returned for endpoints the process does not serve in its mode.
	ErrWrongMode = errors.New("hive: endpoint not served in this mode")
)

const Version = "0.1.0"

type Mode string

const (
	ModeQueen Mode = "queen"
	ModeDrone Mode = "drone"
)

// maxBodyBytes bounds every request body the API decodes
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// newRouter applies the common middleware. Access logs go through logger's handler, so they share its format and level.
func newRouter(logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))

	return r
}

func handleWrongMode(mode Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, ErrWrongMode.Error()+": "+string(mode)+" does not serve "+r.URL.Path)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

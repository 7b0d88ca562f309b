package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"hive/internal/hive"
	"hive/internal/metrics"
	"hive/internal/raft/server"
)

// Node is the part of the consensus engine the queen API reads.
type Node interface {
	Running() bool
	Status() server.Status
}

// Submitter sends a task to some drone.
type Submitter interface {
	Submit(ctx context.Context, text string) (hive.Task, hive.Drone, error)
}

// Reporter produces the /metrics document.
type Reporter interface {
	GetReport() metrics.Report
}

// QueenConfig wires the queen router. RegisterLimit may be nil to disable rate limiting on /register.
type QueenConfig struct {
	Node          Node
	Registry      *hive.Registry
	Dispatcher    Submitter
	Metrics       Reporter
	RegisterLimit *rate.Limiter
	Logger        *slog.Logger
}

// NewQueenRouter returns the HTTP handler of a queen.
func NewQueenRouter(cfg QueenConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := newRouter(logger)
	r.Get("/healthz", handleQueenHealthz(cfg.Node, cfg.Registry))
	r.Post("/register", handleRegister(cfg.Registry, cfg.RegisterLimit, logger))
	r.Post("/submit_task", handleSubmitTask(cfg.Node, cfg.Dispatcher, logger))
	r.Get("/metrics", handleMetrics(cfg.Metrics))
	r.Post("/do_task", handleWrongMode(ModeQueen))
	return r
}

func handleQueenHealthz(node Node, registry *hive.Registry) http.HandlerFunc {
	type resp struct {
		Status        string                 `json:"status"`
		Version       string                 `json:"version"`
		Mode          Mode                   `json:"mode"`
		ID            server.ServerID        `json:"id"`
		Address       server.ServerAddress   `json:"address"`
		Role          server.State           `json:"role"`
		Term          uint64                 `json:"term"`
		LastContactAt time.Time              `json:"last_contact_at"`
		Leader        server.ServerAddress   `json:"leader,omitempty"`
		Peers         []server.ServerAddress `json:"peers"`
		Drones        *map[string]string     `json:"drones,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		st := node.Status()
		out := resp{
			Status:        "READY",
			Version:       Version,
			Mode:          ModeQueen,
			ID:            st.ID,
			Address:       st.Address,
			Role:          st.Role,
			Term:          st.Term,
			LastContactAt: st.LastContactAt,
			Leader:        st.Leader,
			Peers:         st.Peers,
		}
		if !node.Running() {
			out.Status = "NOT_READY"
		}
		// Only the leader's registry is authoritative
		if st.Role == server.Leader {
			drones := registry.Snapshot()
			if drones == nil {
				drones = map[string]string{}
			}
			out.Drones = &drones
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRegister(registry *hive.Registry, limiter *rate.Limiter, logger *slog.Logger) http.HandlerFunc {
	type req struct {
		Address string `json:"address"`
	}
	type resp struct {
		Result string `json:"result"`
		ID     string `json:"id"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many registrations, retry later")
			return
		}

		var body req
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Address == "" {
			writeError(w, http.StatusBadRequest, "address is required")
			return
		}

		drone, err := registry.Register(body.Address)
		if err != nil {
			logger.Warn("rejected registration", "address", body.Address, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp{Result: "OK", ID: drone.ID})
	}
}

func handleSubmitTask(node Node, dispatcher Submitter, logger *slog.Logger) http.HandlerFunc {
	type req struct {
		Text string `json:"text"`
	}
	type resp struct {
		Result string `json:"result"`
		TaskID string `json:"task_id"`
		Drone  string `json:"drone"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var body req
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}

		st := node.Status()
		if st.Role != server.Leader {
			writeJSON(w, http.StatusConflict, errorResponse{Error: ErrNotLeader.Error(), Leader: string(st.Leader)})
			return
		}

		task, drone, err := dispatcher.Submit(r.Context(), body.Text)
		switch {
		case errors.Is(err, hive.ErrNoDrones):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case errors.Is(err, hive.ErrEmptyTask):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			logger.Warn("submit_task failed", "task", task.ID, "drone", drone.ID, "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp{Result: "OK", TaskID: task.ID, Drone: drone.ID})
	}
}

func handleMetrics(reporter Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reporter.GetReport())
	}
}

package api

import (
	"log/slog"
	"net/http"

	"hive/internal/hive"
)

// TaskRunner executes tasks handed to a drone.
type TaskRunner interface {
	Run(task hive.Task)
}

// NewDroneRouter returns the HTTP handler of a drone.
func NewDroneRouter(runner TaskRunner, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := newRouter(logger)
	r.Get("/healthz", handleDroneHealthz())
	r.Post("/do_task", handleDoTask(runner, logger))
	r.Post("/register", handleWrongMode(ModeDrone))
	r.Post("/submit_task", handleWrongMode(ModeDrone))
	return r
}

func handleDroneHealthz() http.HandlerFunc {
	type resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Mode    Mode   `json:"mode"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp{Status: "READY", Version: Version, Mode: ModeDrone})
	}
}

func handleDoTask(runner TaskRunner, logger *slog.Logger) http.HandlerFunc {
	type resp struct {
		Result string `json:"result"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var task hive.Task
		if err := decodeJSON(r, &task); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if task.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}

		logger.Debug("accepted task", "task", task.ID)
		runner.Run(task)
		writeJSON(w, http.StatusOK, resp{Result: "OK"})
	}
}

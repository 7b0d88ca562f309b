package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyTask is returned for a task without text.
	ErrEmptyTask = errors.New("hive: task text is empty")
	// ErrDroneRejected is returned when the drone answered with a non-2xx status.
	ErrDroneRejected = errors.New("hive: drone rejected task")
)

const DefaultDispatchTimeout = 5 * time.Second

// Task is the body sent to a drone's /do_task.
type Task struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Dispatcher forwards tasks to a randomly chosen registered drone. Delivery is best effort: a failed dispatch is
// reported to the caller and never retried.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	metrics  MetricsCollector
	logger   *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

type DispatcherOption func(*Dispatcher)

func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

func WithDispatchMetrics(m MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithRand(r *rand.Rand) DispatcherOption {
	return func(d *Dispatcher) { d.rand = r }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: DefaultDispatchTimeout},
		logger:   slog.Default(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

func (d *Dispatcher) intn(n int) int {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return d.rand.Intn(n)
}

// Submit assigns text a new task ID and POSTs it to one drone. It returns the task and the drone it went to.
func (d *Dispatcher) Submit(ctx context.Context, text string) (Task, Drone, error) {
	if text == "" {
		return Task{}, Drone{}, ErrEmptyTask
	}

	drone, err := d.registry.Pick(d.intn)
	if err != nil {
		return Task{}, Drone{}, err
	}

	task := Task{ID: uuid.NewString(), Text: text}
	err = d.send(ctx, drone, task)
	if d.metrics != nil {
		d.metrics.RecordTaskDispatched(err == nil)
	}
	if err != nil {
		d.logger.Warn("task dispatch failed", "task", task.ID, "drone", drone.ID, "address", drone.Address, "error", err)
		return task, drone, err
	}

	d.logger.Info("dispatched task", "task", task.ID, "drone", drone.ID, "address", drone.Address)
	return task, drone, nil
}

func (d *Dispatcher) send(ctx context.Context, drone Drone, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+drone.Address+"/do_task", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", drone.Address, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s answered %d", ErrDroneRejected, drone.Address, resp.StatusCode)
	}
	return nil
}

// Package drone implements the worker side of a hive: it registers with a queen and runs the tasks the queen sends.
package drone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"hive/internal/backoff"
	"hive/internal/hive"
)

var (
	// ErrRegistrationRejected is returned when the queen answers /register with a non-2xx status. It is not retried.
	ErrRegistrationRejected = errors.New("hive: queen rejected registration")
	// ErrNoIPv4 is returned when the interface carries no IPv4 address.
	ErrNoIPv4 = errors.New("hive: interface has no IPv4 address")
)

const (
	DefaultRetryInterval  = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

// Worker runs tasks. For now a task is only logged.
type Worker struct {
	logger *slog.Logger
	done   atomic.Uint64
}

func NewWorker(logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{logger: logger.With("component", "worker")}
}

func (w *Worker) Run(task hive.Task) {
	w.done.Add(1)
	w.logger.Info("got task", "task", task.ID, "text", task.Text)
}

// Completed returns how many tasks ran.
func (w *Worker) Completed() uint64 {
	return w.done.Load()
}

// Registrar announces a drone to its queen.
type Registrar struct {
	Queen   string
	Address string

	Client *http.Client
	Retry  backoff.Strategy
	Logger *slog.Logger
}

// Register POSTs the drone address to the queen until the queen answers. While the queen is unreachable it waits
// Retry between attempts; a non-2xx answer ends the loop with ErrRegistrationRejected. It returns the drone ID the
// queen assigned.
func (r *Registrar) Register(ctx context.Context) (string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	retry := r.Retry
	if retry == nil {
		retry = backoff.NewConstant(DefaultRetryInterval)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registrar", "queen", r.Queen)

	for attempt := 1; ; attempt++ {
		id, err := r.post(ctx, client, logger)
		if err == nil {
			logger.Info("registered with queen", "drone", id, "address", r.Address)
			return id, nil
		}
		if errors.Is(err, ErrRegistrationRejected) {
			logger.Error("could not register with queen", "error", err)
			return "", err
		}

		logger.Warn("queen is not reachable, waiting", "attempt", attempt, "error", err)
		if err := backoff.Sleep(ctx, retry.Delay(attempt)); err != nil {
			return "", err
		}
	}
}

func (r *Registrar) post(ctx context.Context, client *http.Client, logger *slog.Logger) (string, error) {
	body, err := json.Marshal(map[string]string{"address": r.Address})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+r.Queen+"/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %d %s", ErrRegistrationRejected, resp.StatusCode, bytes.TrimSpace(payload))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		logger.Warn("could not decode the queen's registration answer", "status", resp.StatusCode, "error", err)
	}
	if out.ID == "" {
		out.ID = hive.DroneID(r.Address)
	}
	return out.ID, nil
}

// InterfaceAddress returns ip:port for the first IPv4 address of the named interface.
func InterfaceAddress(name string, port int) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("interface %q: %w", name, err)
	}
	ip := firstIPv4(addrs)
	if ip == nil {
		return "", fmt.Errorf("%w: %s", ErrNoIPv4, name)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

func firstIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

// Package hive holds the queen's view of its drones: the liveness registry, the leader-gated sweep that evicts
// unreachable drones, and task dispatch.
package hive

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hive/internal/backoff"
)

var (
	// ErrMalformedAddress is returned by Register for anything that is not host:port.
	ErrMalformedAddress = errors.New("hive: malformed drone address")
	// ErrNoDrones is returned when a task has nowhere to go.
	ErrNoDrones = errors.New("hive: no drones registered")
	// ErrDroneNotFound is returned by lookups for unknown addresses.
	ErrDroneNotFound = errors.New("hive: drone not found")
)

const (
	DefaultMaxAttempts  = 4
	DefaultProbeBackoff = 500 * time.Millisecond
)

// MetricsCollector is an optional interface for collecting registry metrics
type MetricsCollector interface {
	RecordProbe(latency time.Duration, ok bool)
	RecordEviction()
	RecordRegistration()
	RecordTaskDispatched(ok bool)
}

// Drone is a registered worker.
type Drone struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	// Failures counts consecutive failed probes. Any successful probe resets it.
	Failures     int       `json:"failures"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	// generation changes on every registration of the address, so a sweep never acts on an entry that was replaced
	// while its probes were in flight.
	generation uint64
}

// DroneID derives the identity of a drone from its address.
func DroneID(address string) string {
	sum := sha1.Sum([]byte(address))
	return "drone-" + hex.EncodeToString(sum[:])
}

// ValidateAddress accepts host:port with a non-empty host and a port in 1-65535.
func ValidateAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrMalformedAddress, address, err)
	}
	if host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrMalformedAddress, address)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w: %q: invalid port", ErrMalformedAddress, address)
	}
	return nil
}

// Registry maps drone address to Drone. It is local to one queen: never replicated, and kept when the queen steps
// down. Its lock is independent of the consensus state lock and is never held across a probe.
type Registry struct {
	mu         sync.Mutex
	drones     map[string]*Drone
	generation uint64

	// sweeping keeps sweeps from overlapping
	sweeping sync.Mutex

	prober      Prober
	maxAttempts int
	backoff     backoff.Strategy
	metrics     MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
}

type RegistryOption func(*Registry)

func WithProber(p Prober) RegistryOption {
	return func(r *Registry) { r.prober = p }
}

// WithMaxAttempts sets how many consecutive failed probes evict a drone.
func WithMaxAttempts(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(s backoff.Strategy) RegistryOption {
	return func(r *Registry) { r.backoff = s }
}

func WithMetrics(m MetricsCollector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		drones:      make(map[string]*Drone),
		maxAttempts: DefaultMaxAttempts,
		backoff:     backoff.NewConstant(DefaultProbeBackoff),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prober == nil {
		r.prober = NewHTTPProber(nil)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register inserts or overwrites the drone at address. It is accepted regardless of the queen's role.
func (r *Registry) Register(address string) (Drone, error) {
	if err := ValidateAddress(address); err != nil {
		return Drone{}, err
	}

	now := r.now()
	r.mu.Lock()
	r.generation++
	d := &Drone{
		ID:           DroneID(address),
		Address:      address,
		RegisteredAt: now,
		LastSeenAt:   now,
		generation:   r.generation,
	}
	_, replaced := r.drones[address]
	r.drones[address] = d
	out := *d
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRegistration()
	}
	r.logger.Info("registered drone", "drone", out.ID, "address", address, "replaced", replaced)
	return out, nil
}

func (r *Registry) Get(address string) (Drone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.drones[address]
	if !ok {
		return Drone{}, fmt.Errorf("%w: %s", ErrDroneNotFound, address)
	}
	return *d, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drones)
}

// Drones returns a copy of every entry ordered by address.
func (r *Registry) Drones() []Drone {
	r.mu.Lock()
	out := make([]Drone, 0, len(r.drones))
	for _, d := range r.drones {
		out = append(out, *d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Snapshot maps address to drone ID.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.drones))
	for addr, d := range r.drones {
		out[addr] = d.ID
	}
	return out
}

// Pick returns a drone chosen by intn, which must return a value in [0, n).
func (r *Registry) Pick(intn func(n int) int) (Drone, error) {
	drones := r.Drones()
	if len(drones) == 0 {
		return Drone{}, ErrNoDrones
	}
	return drones[intn(len(drones))], nil
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Probed  int
	Evicted []string
	// Skipped is set when another sweep was still running
	Skipped bool
}

type sweepTarget struct {
	id         string
	address    string
	generation uint64
}

type probeOutcome int

const (
	probeFailed probeOutcome = iota
	probeAlive
	probeEvicted
	// the entry was removed or re-registered since the sweep started
	probeStale
)

// Sweep probes every drone in parallel. A drone gets up to maxAttempts probes with backoff in between and is evicted
// once maxAttempts consecutive probes failed; a single success keeps it. Cancelling ctx stops the sweep without
// counting the interrupted probes.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	if !r.sweeping.TryLock() {
		return SweepResult{Skipped: true}
	}
	defer r.sweeping.Unlock()

	r.mu.Lock()
	targets := make([]sweepTarget, 0, len(r.drones))
	for addr, d := range r.drones {
		targets = append(targets, sweepTarget{id: d.ID, address: addr, generation: d.generation})
	}
	r.mu.Unlock()

	evicted := make([]bool, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			evicted[i] = r.probeDrone(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Probed: len(targets)}
	for i, ok := range evicted {
		if ok {
			res.Evicted = append(res.Evicted, targets[i].address)
		}
	}
	sort.Strings(res.Evicted)
	return res
}

func (r *Registry) probeDrone(ctx context.Context, t sweepTarget) bool {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		start := time.Now()
		err := r.prober.Probe(ctx, t.address)
		if ctx.Err() != nil {
			return false
		}
		if r.metrics != nil {
			r.metrics.RecordProbe(time.Since(start), err == nil)
		}

		switch r.recordProbe(t, err == nil) {
		case probeAlive, probeStale:
			return false
		case probeEvicted:
			if r.metrics != nil {
				r.metrics.RecordEviction()
			}
			r.logger.Warn("evicted drone", "drone", t.id, "address", t.address, "attempts", attempt)
			return true
		}

		r.logger.Warn("could not reach drone",
			"drone", t.id, "address", t.address, "attempt", attempt, "max_attempts", r.maxAttempts, "error", err)
		if attempt < r.maxAttempts {
			if backoff.Sleep(ctx, r.backoff.Delay(attempt)) != nil {
				return false
			}
		}
	}
	return false
}

// recordProbe applies one probe result to the entry under the lock.
func (r *Registry) recordProbe(t sweepTarget, ok bool) probeOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, found := r.drones[t.address]
	if !found || d.generation != t.generation {
		return probeStale
	}
	if ok {
		d.Failures = 0
		d.LastSeenAt = r.now()
		return probeAlive
	}

	d.Failures++
	if d.Failures >= r.maxAttempts {
		delete(r.drones, t.address)
		return probeEvicted
	}
	return probeFailed
}

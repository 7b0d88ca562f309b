package hive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"hive/internal/pubsub"
	"hive/internal/raft/server"
)

const DefaultSweepInterval = 10 * time.Second

// LeaderGate tells the sweeper whether this queen currently leads.
type LeaderGate interface {
	IsLeader() bool
}

// Sweeper runs Registry.Sweep on a fixed period, but only while the gate reports leadership. It also sweeps right
// after this queen becomes Leader, and cancels an in-flight sweep when it steps down.
type Sweeper struct {
	registry *Registry
	gate     LeaderGate
	interval time.Duration
	logger   *slog.Logger

	cron   *cronlib.Cron
	pubSub *pubsub.PubSubClient
	subID  pubsub.SubscriberID
	events chan *pubsub.Event[server.RoleChangedPayload]
	wg     sync.WaitGroup

	mu          sync.Mutex
	cancelSweep context.CancelFunc
}

// NewSweeper returns a stopped sweeper. ps may be nil, in which case only the periodic schedule triggers sweeps.
func NewSweeper(registry *Registry, gate LeaderGate, interval time.Duration, ps *pubsub.PubSubClient, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		gate:     gate,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		pubSub:   ps,
	}
}

// Start schedules the sweep and begins watching role changes. Sweeps stop when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	cl := cronLogger{s.logger}
	s.cron = cronlib.New(
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(every(s.interval), cronlib.FuncJob(func() {
		s.SweepNow(ctx)
	}))
	s.cron.Start()

	if s.pubSub != nil {
		s.events = make(chan *pubsub.Event[server.RoleChangedPayload], 8)
		s.subID = pubsub.Subscribe(s.pubSub, server.RoleChanged, s.events, pubsub.SubscriptionOptions{})
		s.wg.Add(1)
		go s.watchRoles(ctx)
	}

	s.logger.Info("sweeper started", "interval", s.interval)
}

// Stop cancels any running sweep and waits for the scheduler and the role watcher to exit.
func (s *Sweeper) Stop() {
	var cronDone context.Context
	if s.cron != nil {
		cronDone = s.cron.Stop()
	}
	s.cancelCurrent()
	if cronDone != nil {
		<-cronDone.Done()
	}
	if s.pubSub != nil && s.events != nil {
		s.pubSub.Unsubscribe(server.RoleChanged, s.subID)
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// SweepNow runs one sweep if this queen leads. ran is false when it does not lead or another sweep is in flight.
func (s *Sweeper) SweepNow(ctx context.Context) (res SweepResult, ran bool) {
	if !s.gate.IsLeader() {
		return SweepResult{}, false
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancelSweep != nil {
		s.mu.Unlock()
		return SweepResult{Skipped: true}, false
	}
	s.cancelSweep = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelSweep = nil
		s.mu.Unlock()
	}()

	s.logger.Debug("starting task", "task", "sweep")
	start := time.Now()
	res = s.registry.Sweep(sweepCtx)
	if res.Skipped {
		return res, false
	}
	s.logger.Info("completed task", "task", "sweep",
		"probed", res.Probed, "evicted", len(res.Evicted), "duration", time.Since(start))
	return res, true
}

func (s *Sweeper) cancelCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelSweep != nil {
		s.cancelSweep()
	}
}

func (s *Sweeper) watchRoles(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.cancelCurrent()
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			switch {
			case ev.Payload.To == server.Leader:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.SweepNow(ctx)
				}()
			case ev.Payload.From == server.Leader:
				s.logger.Info("lost leadership, cancelling sweep", "term", ev.Payload.Term)
				s.cancelCurrent()
			}
		}
	}
}

// every is a fixed delay schedule. cron.Every rounds to whole seconds, which is too coarse for short intervals.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"hive/internal/hive"
	"hive/internal/metrics"
	"hive/internal/mocks"
	"hive/internal/raft/server"
)

type fakeNode struct {
	mu      sync.Mutex
	running bool
	status  server.Status
}

func (n *fakeNode) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *fakeNode) Status() server.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *fakeNode) set(fn func(n *fakeNode)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *fakeSubmitter) Submit(_ context.Context, text string) (hive.Task, hive.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, text)
	if s.err != nil {
		return hive.Task{ID: "t-1", Text: text}, hive.Drone{}, s.err
	}
	return hive.Task{ID: "t-1", Text: text}, hive.Drone{ID: "drone-abc", Address: "10.0.0.9:8080"}, nil
}

func (s *fakeSubmitter) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type recordingRunner struct {
	mu    sync.Mutex
	tasks []hive.Task
}

func (r *recordingRunner) Run(task hive.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingRunner) received() []hive.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hive.Task(nil), r.tasks...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func leaderStatus() server.Status {
	return server.Status{ID: "node-1", Address: "10.0.0.1:7000", Role: server.Leader, Term: 3}
}

type queenFixture struct {
	node      *fakeNode
	registry  *hive.Registry
	submitter *fakeSubmitter
	srv       *httptest.Server
}

func setupQueen(t *testing.T, limiter *rate.Limiter) *queenFixture {
	t.Helper()

	f := &queenFixture{
		node:      &fakeNode{running: true, status: leaderStatus()},
		registry:  hive.NewRegistry(hive.WithProber(&mocks.MockProber{}), hive.WithLogger(discardLogger())),
		submitter: &fakeSubmitter{},
	}
	f.srv = httptest.NewServer(NewQueenRouter(QueenConfig{
		Node:          f.node,
		Registry:      f.registry,
		Dispatcher:    f.submitter,
		Metrics:       metrics.NewMetrics(),
		RegisterLimit: limiter,
		Logger:        discardLogger(),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestQueen_Healthz(t *testing.T) {
	f := setupQueen(t, nil)

	t.Run("leader with no drones still reports the registry", func(t *testing.T) {
		_, body := getJSON(t, f.srv.URL+"/healthz")
		assert.Equal(t, "Leader", body["role"])
		require.Contains(t, body, "drones")
		assert.Equal(t, map[string]any{}, body["drones"])
	})

	_, err := f.registry.Register("10.0.0.5:8080")
	require.NoError(t, err)

	t.Run("leader lists its drones", func(t *testing.T) {
		resp, body := getJSON(t, f.srv.URL+"/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "READY", body["status"])
		assert.Equal(t, "queen", body["mode"])
		assert.Equal(t, "Leader", body["role"])
		assert.Equal(t, float64(3), body["term"])
		assert.Equal(t, map[string]any{"10.0.0.5:8080": hive.DroneID("10.0.0.5:8080")}, body["drones"])
	})

	t.Run("followers do not expose the registry", func(t *testing.T) {
		f.node.set(func(n *fakeNode) {
			n.status.Role = server.Follower
			n.status.Leader = "10.0.0.2:7000"
		})
		defer f.node.set(func(n *fakeNode) { n.status = leaderStatus() })

		_, body := getJSON(t, f.srv.URL+"/healthz")
		assert.Equal(t, "Follower", body["role"])
		assert.Equal(t, "10.0.0.2:7000", body["leader"])
		assert.NotContains(t, body, "drones")
	})

	t.Run("not ready before the role loop runs", func(t *testing.T) {
		f.node.set(func(n *fakeNode) { n.running = false })
		defer f.node.set(func(n *fakeNode) { n.running = true })

		_, body := getJSON(t, f.srv.URL+"/healthz")
		assert.Equal(t, "NOT_READY", body["status"])
	})
}

func TestQueen_Register(t *testing.T) {
	f := setupQueen(t, nil)

	resp, body := postJSON(t, f.srv.URL+"/register", `{"address":"10.0.0.5:8080"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body["result"])
	assert.Equal(t, hive.DroneID("10.0.0.5:8080"), body["id"])
	assert.Equal(t, 1, f.registry.Len())

	t.Run("registration is accepted by followers too", func(t *testing.T) {
		f.node.set(func(n *fakeNode) { n.status.Role = server.Follower })
		defer f.node.set(func(n *fakeNode) { n.status = leaderStatus() })

		resp, _ := postJSON(t, f.srv.URL+"/register", `{"address":"10.0.0.6:8080"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	for name, payload := range map[string]string{
		"missing address":   `{}`,
		"malformed address": `{"address":"10.0.0.5"}`,
		"invalid JSON":      `{"address":`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, body := postJSON(t, f.srv.URL+"/register", payload)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, 2, f.registry.Len())
}

func TestQueen_RegisterRateLimited(t *testing.T) {
	f := setupQueen(t, rate.NewLimiter(rate.Every(time.Hour), 1))

	resp, _ := postJSON(t, f.srv.URL+"/register", `{"address":"10.0.0.5:8080"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = postJSON(t, f.srv.URL+"/register", `{"address":"10.0.0.6:8080"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, f.registry.Len())
}

func TestQueen_SubmitTask(t *testing.T) {
	t.Run("leader dispatches", func(t *testing.T) {
		f := setupQueen(t, nil)
		resp, body := postJSON(t, f.srv.URL+"/submit_task", `{"text":"gather nectar"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "t-1", body["task_id"])
		assert.Equal(t, "drone-abc", body["drone"])
		assert.Equal(t, []string{"gather nectar"}, f.submitter.submitted())
	})

	t.Run("follower answers with a leader hint", func(t *testing.T) {
		f := setupQueen(t, nil)
		f.node.set(func(n *fakeNode) {
			n.status.Role = server.Follower
			n.status.Leader = "10.0.0.2:7000"
		})

		resp, body := postJSON(t, f.srv.URL+"/submit_task", `{"text":"gather nectar"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, ErrNotLeader.Error(), body["error"])
		assert.Equal(t, "10.0.0.2:7000", body["leader"])
		assert.Empty(t, f.submitter.submitted())
	})

	t.Run("missing text", func(t *testing.T) {
		f := setupQueen(t, nil)
		resp, _ := postJSON(t, f.srv.URL+"/submit_task", `{"text":""}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no drones", func(t *testing.T) {
		f := setupQueen(t, nil)
		f.submitter.failWith(hive.ErrNoDrones)
		resp, _ := postJSON(t, f.srv.URL+"/submit_task", `{"text":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("drone failure", func(t *testing.T) {
		f := setupQueen(t, nil)
		f.submitter.failWith(errors.New("connection refused"))
		resp, _ := postJSON(t, f.srv.URL+"/submit_task", `{"text":"x"}`)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestQueen_Metrics(t *testing.T) {
	f := setupQueen(t, nil)
	resp, body := getJSON(t, f.srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "election_count")
	assert.Contains(t, body, "eviction_count")
}

func TestWrongMode(t *testing.T) {
	queen := setupQueen(t, nil)
	drone := httptest.NewServer(NewDroneRouter(&recordingRunner{}, discardLogger()))
	defer drone.Close()

	tests := []struct {
		name string
		url  string
		body string
	}{
		{"queen rejects do_task", queen.srv.URL + "/do_task", `{"text":"x"}`},
		{"drone rejects register", drone.URL + "/register", `{"address":"10.0.0.5:8080"}`},
		{"drone rejects submit_task", drone.URL + "/submit_task", `{"text":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, tt.url, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.True(t, strings.HasPrefix(body["error"].(string), ErrWrongMode.Error()))
		})
	}
}

func TestDrone_Router(t *testing.T) {
	runner := &recordingRunner{}
	srv := httptest.NewServer(NewDroneRouter(runner, discardLogger()))
	defer srv.Close()

	_, body := getJSON(t, srv.URL+"/healthz")
	assert.Equal(t, "READY", body["status"])
	assert.Equal(t, "drone", body["mode"])
	assert.Equal(t, Version, body["version"])

	resp, _ := postJSON(t, srv.URL+"/do_task", `{"id":"t-1","text":"build comb"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, runner.received(), 1)
	assert.Equal(t, hive.Task{ID: "t-1", Text: "build comb"}, runner.received()[0])

	resp, _ = postJSON(t, srv.URL+"/do_task", `{"id":"t-2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, runner.received(), 1)
}

// syncBuffer lets the test read what the server goroutine logged.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAccessLogUsesConfiguredHandler(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))
	srv := httptest.NewServer(NewDroneRouter(&recordingRunner{}, logger))
	defer srv.Close()

	getJSON(t, srv.URL+"/healthz")

	var line map[string]any
	require.Eventually(t, func() bool {
		for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
			var entry map[string]any
			if json.Unmarshal([]byte(l), &entry) != nil {
				continue
			}
			if msg, _ := entry["msg"].(string); strings.Contains(msg, "/healthz") {
				line = entry
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "INFO", line["level"])
	assert.Contains(t, line["msg"], "200")
}

func TestMultiplex(t *testing.T) {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	defer grpcServer.Stop()

	f := setupQueen(t, nil)
	srv := httptest.NewServer(Multiplex(grpcServer, f.srv.Config.Handler))
	defer srv.Close()

	t.Run("plain HTTP reaches the API", func(t *testing.T) {
		resp, body := getJSON(t, srv.URL+"/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "queen", body["mode"])
	})

	t.Run("gRPC over cleartext HTTP/2 reaches the gRPC server", func(t *testing.T) {
		cc, err := grpc.NewClient("passthrough:///"+strings.TrimPrefix(srv.URL, "http://"),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		defer cc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	})
}

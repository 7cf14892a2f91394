package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/me/stevedore/internal/config"
	"github.com/me/stevedore/internal/executor"
	"github.com/me/stevedore/internal/logging"
	"github.com/me/stevedore/internal/queue"
	jobrouter "github.com/me/stevedore/internal/router"
	"github.com/me/stevedore/internal/server"
	"github.com/me/stevedore/internal/store"
	"github.com/me/stevedore/pkg/model"
)

// startTestServer starts a server with an in-memory SQLite store and a
// mock backend, returning the URL.
func startTestServer(t *testing.T) string {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultServerConfig()
	cfg.Routing.DefaultBackend = model.ExecutorTypeMock

	jr, err := jobrouter.New(cfg.Routing, "", rand.New(rand.NewSource(1)), logging.Discard())
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	jr.RegisterExecutor(model.ExecutorTypeMock, "", executor.NewMockExecutor())

	manager, err := queue.NewManager(queue.Options{
		Store:  st,
		Router: jr,
		Config: cfg.Queue,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build manager: %v", err)
	}

	srv := server.New(cfg, st, manager, jr, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// enqueueTestJob creates a job via HTTP and returns its ID.
func enqueueTestJob(t *testing.T, serverURL string) string {
	t.Helper()

	c := NewClient(serverURL, logging.Discard())
	resp, err := c.Post("/api/v1/jobs", map[string]any{
		"name":        "cli-test",
		"priority":    50,
		"max_retries": 3,
		"spec":        map[string]any{"image": "busybox:latest", "command": []string{"true"}},
	})
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	var data map[string]any
	json.Unmarshal(resp.Data, &data)
	return data["id"].(string)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := root.Execute()

	w.Close()
	os.Stdout = old

	var out bytes.Buffer
	out.ReadFrom(r)
	return out.String() + buf.String(), err
}

func TestEnqueueCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t,
		"--server", url,
		"enqueue", "busybox:latest", "echo", "hello",
		"--name", "greeting",
		"--priority", "70",
	)
	if err != nil {
		t.Fatalf("enqueue error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Job enqueued: job_") {
		t.Errorf("expected 'Job enqueued: job_' in output, got: %s", output)
	}
}

func TestEnqueueCommand_MissingImage(t *testing.T) {
	url := startTestServer(t)
	_, err := runCLI(t, "--server", url, "enqueue")
	if err == nil {
		t.Fatal("expected error without an image argument")
	}
}

func TestStatusCommand(t *testing.T) {
	url := startTestServer(t)
	id := enqueueTestJob(t, url)

	output, err := runCLI(t, "--server", url, "status", id)
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(output, id) {
		t.Errorf("expected job ID in output, got: %s", output)
	}
	if !strings.Contains(output, "QUEUED") {
		t.Errorf("expected QUEUED status in output, got: %s", output)
	}
}

func TestListCommand(t *testing.T) {
	url := startTestServer(t)
	enqueueTestJob(t, url)

	output, err := runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "ID") {
		t.Errorf("expected table header in output, got: %s", output)
	}
	if !strings.Contains(output, "QUEUED") {
		t.Errorf("expected job status in output, got: %s", output)
	}
}

func TestCancelCommand(t *testing.T) {
	url := startTestServer(t)
	id := enqueueTestJob(t, url)

	output, err := runCLI(t, "--server", url, "cancel", id)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !strings.Contains(output, "Job cancelled") {
		t.Errorf("expected cancellation message, got: %s", output)
	}
}

func TestDequeueCommand(t *testing.T) {
	url := startTestServer(t)
	id := enqueueTestJob(t, url)

	output, err := runCLI(t, "--server", url, "dequeue", id)
	if err != nil {
		t.Fatalf("dequeue error: %v", err)
	}
	if !strings.Contains(output, "Job dequeued") {
		t.Errorf("expected dequeue message, got: %s", output)
	}

	// A parked job cannot be parked again.
	if _, err := runCLI(t, "--server", url, "dequeue", id); err == nil {
		t.Error("expected error on second dequeue")
	}
}

func TestStatsCommand(t *testing.T) {
	url := startTestServer(t)
	enqueueTestJob(t, url)

	output, err := runCLI(t, "--server", url, "stats", "--worker")
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if !strings.Contains(output, "Depth:     1") {
		t.Errorf("expected queue depth 1, got: %s", output)
	}
	if !strings.Contains(output, "Launched:") {
		t.Errorf("expected worker counters, got: %s", output)
	}
}

func TestRouteCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "route", "busybox:latest")
	if err != nil {
		t.Fatalf("route error: %v", err)
	}
	if !strings.Contains(output, "Backend: mock") {
		t.Errorf("expected mock backend, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	url := startTestServer(t)
	_, err := runCLI(t, "--server", url, "status", "job_missing")
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
}

package engine_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/volley/internal/engine"
	"github.com/seantiz/volley/internal/model"
	"github.com/seantiz/volley/internal/store"
)

func newTestEngine(t *testing.T) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewEngine(s, logger), s
}

// newTarget starts a keep-alive HTTP server answering every request with
// "OK" and the given status.
func newTarget(t *testing.T, status int) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "2")
		w.WriteHeader(status)
		w.Write([]byte("OK"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func makeRun(target string, count int) *model.Run {
	host := strings.TrimPrefix(target, "http://")
	return &model.Run{
		ID:                    model.NewID(),
		Status:                model.StatusPending,
		Target:                target,
		Workers:               2,
		ReadFreq:              3,
		RequestsPerConnection: 9,
		Count:                 count,
		Request:               []byte("GET /ping HTTP/1.1\r\nHost: " + host + "\r\n\r\n"),
		StartTimeoutS:         5,
		DrainTimeoutS:         30,
		CreatedAt:             time.Now().UTC(),
	}
}

// waitForStatus polls the store until the run reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t)
	ts := newTarget(t, http.StatusOK)

	r := makeRun(ts.URL, 40)
	if err := eng.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForStatus(t, s, r.ID, model.StatusCompleted, 30*time.Second)
	if got.Succeeded != 40 {
		t.Errorf("succeeded = %d, want 40", got.Succeeded)
	}
	if !got.Drained {
		t.Error("drained = false, want true")
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not set")
	}
	if got.ElapsedMS == nil {
		t.Error("elapsed_ms not set")
	}

	counts, err := s.GetStatusCounts(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetStatusCounts: %v", err)
	}
	if len(counts) != 1 || counts[0].StatusCode != 200 || counts[0].Count != 40 {
		t.Errorf("status counts = %+v, want 40 x 200", counts)
	}
}

func TestSubmitInvalidTargetFails(t *testing.T) {
	eng, s := newTestEngine(t)

	r := makeRun("ftp://127.0.0.1:21", 1)
	if err := eng.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(got.Error, "create pipeline") {
		t.Errorf("error = %q, want it to mention the pipeline", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestSubmitStreamsResponseLines(t *testing.T) {
	eng, s := newTestEngine(t)
	ts := newTarget(t, http.StatusAccepted)

	r := makeRun(ts.URL, 25)
	lines, unsubscribe := eng.Broker().Subscribe(r.ID)
	defer unsubscribe()

	if err := eng.Submit(context.Background(), r); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []string
	timeout := time.After(30 * time.Second)
	for done := false; !done; {
		select {
		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			got = append(got, line)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}

	if len(got) != 25 {
		t.Fatalf("received %d lines, want 25", len(got))
	}
	for _, line := range got {
		if line != "202 GET /ping HTTP/1.1" {
			t.Errorf("line = %q", line)
		}
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
}

func TestRunCallsObserver(t *testing.T) {
	eng, _ := newTestEngine(t)
	ts := newTarget(t, http.StatusOK)

	var mu sync.Mutex
	seen := 0
	r := makeRun(ts.URL, 12)
	got, err := eng.Run(context.Background(), r, func(string) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Succeeded != 12 {
		t.Errorf("succeeded = %d, want 12", got.Succeeded)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen != 12 {
		t.Errorf("observer saw %d lines, want 12", seen)
	}
}

func TestRunCancelledContextQueuesNothing(t *testing.T) {
	eng, _ := newTestEngine(t)
	ts := newTarget(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := eng.Run(ctx, makeRun(ts.URL, 50), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Succeeded != 0 {
		t.Errorf("succeeded = %d, want 0", got.Succeeded)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t)
	ts := newTarget(t, http.StatusOK)

	var ids []string
	for range 3 {
		r := makeRun(ts.URL, 10)
		if err := eng.Submit(context.Background(), r); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, r.ID)
	}
	eng.Wait()

	for _, id := range ids {
		got, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != model.StatusCompleted || got.Succeeded != 10 {
			t.Errorf("run %s: status %q succeeded %d", id, got.Status, got.Succeeded)
		}
	}
}

func TestResponseLine(t *testing.T) {
	tests := []struct {
		name      string
		req, resp string
		want      string
	}{
		{"ok", "GET /a HTTP/1.1\r\nHost: x\r\n\r\n", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", "200 GET /a HTTP/1.1"},
		{"not found", "POST /b HTTP/1.1\r\n\r\n", "HTTP/1.1 404 Not Found\r\n\r\n", "404 POST /b HTTP/1.1"},
		{"garbled status", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 abc\r\n\r\n", "??? GET / HTTP/1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.ResponseLine([]byte(tt.req), []byte(tt.resp)); got != tt.want {
				t.Errorf("ResponseLine = %q, want %q", got, tt.want)
			}
		})
	}
}

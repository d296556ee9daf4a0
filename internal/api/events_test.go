package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// readEvents collects SSE event names until the stream ends or n events arrive.
func readEvents(t *testing.T, resp *http.Response, n int) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
			if len(events) == n {
				break
			}
		}
	}
	return events
}

func TestStreamTerminalJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":1}`).Body.Close()
	doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/job-1").Body.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/job-1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readEvents(t, resp, 0)
	if len(events) != 1 || events[0] != "done" {
		t.Errorf("events = %v, want [done]", events)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/ghost/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamJobUntilCompletion(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":2}`).Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/job-1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// Headers are flushed once the subscription exists.
	srv.engine.OnArtifactReady(model.ArtifactSignal{JobID: "job-1", Index: 0, Locator: "http://files/0.png"})
	srv.engine.OnArtifactReady(model.ArtifactSignal{JobID: "job-1", Index: 1, Locator: "http://files/1.png"})

	// The start notice may or may not land before the subscription.
	events := readEvents(t, resp, 0)
	if len(events) < 3 {
		t.Fatalf("events = %v, want progress updates then complete, done", events)
	}
	tail := events[len(events)-2:]
	if tail[0] != model.KindComplete || tail[1] != "done" {
		t.Errorf("events = %v, want trailing complete, done", events)
	}
	for _, e := range events[:len(events)-2] {
		if e != model.KindProgress {
			t.Errorf("unexpected event %q before completion", e)
		}
	}
}

func TestStreamAllReceivesErrors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/ghost").Body.Close()

	events := readEvents(t, resp, 1)
	if len(events) != 1 || events[0] != model.KindError {
		t.Errorf("events = %v, want [%s]", events, model.KindError)
	}
}

func TestWriteSSEEventMultiline(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeSSEEvent(rec, "progress", "a\nb"); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	want := "event: progress\ndata: a\ndata: b\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

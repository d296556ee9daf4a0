package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

// getBinary builds cmd/testserver once: a kiln server wired to an in-process agent.
func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T, binary string, env ...string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_LOG_LEVEL=info",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:    cmd,
		stdout: stdout,
		url:    "http://" + addr,
	}

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// waitForJobStatus polls a job until it reaches want.
func waitForJobStatus(t *testing.T, sp *serverProc, id, want string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var job map[string]any
	for time.Now().Before(deadline) {
		_, job = getJSON(t, sp.url+"/v1/jobs/"+id)
		if job["status"] == want {
			return job
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s did not reach %s within %v, last: %v", id, want, timeout, job)
	return nil
}

func TestHealthzAndMetrics(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, body := getJSON(t, sp.url+"/healthz")
	if status != 200 || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", status, body)
	}

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"kiln_http_requests_total", "kiln_jobs_started_total", "kiln_jobs_evicted_total"} {
		if !strings.Contains(string(raw), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// A job with three artifacts completes after the agent reports all three.
func TestJobRunsToCompletion(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, body := postJSON(t, sp.url+"/v1/jobs", `{"id":"job-1","artifact_count":3,"config":{"style":"ink"}}`)
	if status != http.StatusAccepted || body["accepted"] != true {
		t.Fatalf("submit = %d %v", status, body)
	}

	job := waitForJobStatus(t, sp, "job-1", "completed", 10*time.Second)
	progress := job["progress"].(map[string]any)
	if progress["current"] != float64(3) || progress["total"] != float64(3) {
		t.Errorf("progress = %v", progress)
	}
	if artifacts := job["artifacts"].([]any); len(artifacts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(artifacts))
	}

	status, archived := getJSON(t, sp.url+"/v1/history/jobs/job-1")
	if status != 200 || archived["status"] != "completed" {
		t.Errorf("archived job = %d %v", status, archived)
	}
}

func TestJobRejections(t *testing.T) {
	sp := startServer(t, getBinary(t))

	tests := []struct {
		body string
		code string
	}{
		{`{"id":"bad id","artifact_count":1}`, "INVALID_JOB_ID"},
		{`{"id":"a","artifact_count":0}`, "INVALID_ARTIFACT_COUNT"},
		{`{"id":"a","artifact_count":2.5}`, "INVALID_ARTIFACT_COUNT"},
	}
	for _, tt := range tests {
		status, body := postJSON(t, sp.url+"/v1/jobs", tt.body)
		if status != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.body, status)
		}
		reason, _ := body["reason"].(map[string]any)
		if reason["code"] != tt.code {
			t.Errorf("%s: reason = %v, want %s", tt.body, reason, tt.code)
		}
	}

	status, _ := getJSON(t, sp.url+"/v1/jobs/a")
	if status != http.StatusNotFound {
		t.Errorf("rejected job is visible: status %d", status)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	sp := startServer(t, getBinary(t))

	postJSON(t, sp.url+"/v1/jobs", `{"id":"long","artifact_count":500}`)

	for i, want := range []string{"cancelled", "already_cancelled"} {
		req, _ := http.NewRequest(http.MethodDelete, sp.url+"/v1/jobs/long", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		var res map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&res)
		resp.Body.Close()
		if res["accepted"] != true || res["operation"] != want {
			t.Errorf("cancel %d = %v, want %s", i, res, want)
		}
	}

	// Late artifacts from the agent must not move a cancelled job.
	time.Sleep(300 * time.Millisecond)
	_, job := getJSON(t, sp.url+"/v1/jobs/long")
	if job["status"] != "cancelled" {
		t.Errorf("status = %v, want cancelled", job["status"])
	}
}

// The job SSE stream ends with a done event once the job finishes.
func TestJobEventStream(t *testing.T) {
	sp := startServer(t, getBinary(t))

	postJSON(t, sp.url+"/v1/jobs", `{"id":"streamed","artifact_count":2}`)

	resp, err := http.Get(sp.url + "/v1/jobs/streamed/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) == 0 || events[len(events)-1] != "done" {
		t.Fatalf("events = %v, want trailing done", events)
	}
	if len(events) >= 2 && events[len(events)-2] != "complete" {
		t.Errorf("events = %v, want complete before done", events)
	}
}

// A sequence whose second item fails stops there and never produces the third.
func TestSequenceStopsAtFailure(t *testing.T) {
	sp := startServer(t, getBinary(t))

	status, ack := postJSON(t, sp.url+"/v1/sequences", `{"common":{"content":"studio"},"items":[
		{"id":"a","name":"A","content":"one"},
		{"id":"b","name":"B","content":"two","overrides":{"fail":true}},
		{"id":"c","name":"C","content":"three"}]}`)
	if status != http.StatusAccepted || ack["total"] != float64(3) {
		t.Fatalf("submit = %d %v", status, ack)
	}

	deadline := time.Now().Add(10 * time.Second)
	var runs []any
	for time.Now().Before(deadline) {
		_, hist := getJSON(t, sp.url+"/v1/history/sequences")
		runs, _ = hist["runs"].([]any)
		if len(runs) == 1 {
			break
		}
		time.Sleep(pollInterval)
	}
	if len(runs) != 1 {
		t.Fatalf("sequence runs = %v", runs)
	}
	run := runs[0].(map[string]any)
	if run["status"] != "error" || run["completed"] != float64(1) || run["failed_item"] != float64(1) {
		t.Errorf("run = %v", run)
	}

	_, current := getJSON(t, sp.url+"/v1/sequences/current")
	if current != nil {
		t.Errorf("current = %v, want null", current)
	}
}

func TestEnvVarConfiguration(t *testing.T) {
	sp := startServer(t, getBinary(t), "KILN_JOBS_MAX_JOBS=1")

	postJSON(t, sp.url+"/v1/jobs", `{"id":"first","artifact_count":500}`)
	status, body := postJSON(t, sp.url+"/v1/jobs", `{"id":"second","artifact_count":1}`)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (%v)", status, body)
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitJobAccepted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":3,"config":{"style":"ink"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body := decode[submitJobResponse](t, resp)
	if !body.Accepted || body.Job == nil {
		t.Fatalf("body = %+v", body)
	}
	if body.Job.Status != model.StatusRunning || body.Job.Progress.Total != 3 {
		t.Errorf("job = %s %+v", body.Job.Status, body.Job.Progress)
	}

	deadline := time.Now().Add(time.Second)
	for srv.exec.count(executor.CommandGenerate) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.exec.count(executor.CommandGenerate) != 1 {
		t.Error("generate command was not dispatched")
	}
}

func TestSubmitJobRejected(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty id", `{"id":"","artifact_count":1}`, http.StatusBadRequest, model.CodeInvalidJobID},
		{"bad id", `{"id":"a/b","artifact_count":1}`, http.StatusBadRequest, model.CodeInvalidJobID},
		{"zero count", `{"id":"a","artifact_count":0}`, http.StatusBadRequest, model.CodeInvalidArtifactCount},
		{"negative count", `{"id":"a","artifact_count":-2}`, http.StatusBadRequest, model.CodeInvalidArtifactCount},
		{"fractional count", `{"id":"a","artifact_count":2.5}`, http.StatusBadRequest, model.CodeInvalidArtifactCount},
		{"string count", `{"id":"a","artifact_count":"3"}`, http.StatusBadRequest, model.CodeInvalidArtifactCount},
		{"missing count", `{"id":"a"}`, http.StatusBadRequest, model.CodeInvalidArtifactCount},
		{"malformed", `{"id":`, http.StatusBadRequest, model.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/jobs", tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			body := decode[submitJobResponse](t, resp)
			if body.Accepted {
				t.Error("accepted = true, want false")
			}
			if body.Reason == nil || body.Reason.Code != tt.code {
				t.Errorf("reason = %+v, want code %s", body.Reason, tt.code)
			}
		})
	}
}

func TestSubmitJobCapacity(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, id := range []string{"a", "b", "c"} {
		resp := postJSON(t, ts.URL+"/v1/jobs", `{"id":"`+id+`","artifact_count":1}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %s: status %d", id, resp.StatusCode)
		}
	}

	resp := postJSON(t, ts.URL+"/v1/jobs", `{"id":"d","artifact_count":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if body := decode[submitJobResponse](t, resp); body.Reason == nil || body.Reason.Code != model.CodeResourceExhausted {
		t.Errorf("reason = %+v", body.Reason)
	}
}

func TestSubmitJobDuplicate(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"dup","artifact_count":2}`).Body.Close()
	resp := postJSON(t, ts.URL+"/v1/jobs", `{"id":"dup","artifact_count":2}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":2}`).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/job-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	job := decode[model.Job](t, resp)
	if job.ID != "job-1" || job.Status != model.StatusRunning {
		t.Errorf("job = %+v", job)
	}

	missing, err := http.Get(ts.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
	if body := decode[errorResponse](t, missing); body.Error == nil || body.Error.Code != model.CodeJobNotFound {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"a","artifact_count":1}`).Body.Close()
	postJSON(t, ts.URL+"/v1/jobs", `{"id":"b","artifact_count":1}`).Body.Close()
	doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/b").Body.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs?status=running")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body := decode[listJobsResponse](t, resp)
	if body.Total != 1 || body.Jobs[0].ID != "a" {
		t.Errorf("body = %+v", body)
	}
}

func TestArtifactSignalsCompleteJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":2}`).Body.Close()

	for i, want := range []bool{true, false, true} {
		idx := []string{"0", "0", "1"}[i]
		resp := postJSON(t, ts.URL+"/v1/jobs/job-1/artifacts", `{"index":`+idx+`,"locator":"http://files/`+idx+`.png"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("status = %d, want 202", resp.StatusCode)
		}
		if got := decode[signalResponse](t, resp); got.Accepted != want {
			t.Errorf("signal %d accepted = %v, want %v", i, got.Accepted, want)
		}
		resp.Body.Close()
	}

	job, err := srv.engine.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", job.Status)
	}
}

func TestArtifactSignalUnknownJobIgnored(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/jobs/ghost/artifacts", `{"index":0,"locator":"http://files/0.png"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if decode[signalResponse](t, resp).Accepted {
		t.Error("signal for unknown job accepted")
	}
}

func TestJobFailureSignal(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":2}`).Body.Close()
	resp := postJSON(t, ts.URL+"/v1/jobs/job-1/failure", `{"reason":"gpu lost"}`)
	defer resp.Body.Close()

	if !decode[signalResponse](t, resp).Accepted {
		t.Error("failure signal not accepted")
	}
	job, _ := srv.engine.GetJob("job-1")
	if job.Status != model.StatusError || job.Error != "gpu lost" {
		t.Errorf("job = %s %q", job.Status, job.Error)
	}
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"job-1","artifact_count":2}`).Body.Close()

	first := doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/job-1")
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.StatusCode)
	}
	if res := decode[model.CancelResult](t, first); !res.Accepted || res.Operation != model.OperationCancelled {
		t.Errorf("first cancel = %+v", res)
	}

	second := doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/job-1")
	defer second.Body.Close()
	if res := decode[model.CancelResult](t, second); !res.Accepted || res.Operation != model.OperationAlreadyCancelled {
		t.Errorf("second cancel = %+v", res)
	}

	missing := doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs/ghost")
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}
	if res := decode[model.CancelResult](t, missing); res.Accepted || res.Error == nil || res.Error.Code != model.CodeJobNotFound {
		t.Errorf("missing cancel = %+v", res)
	}
}

func TestCancelAll(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/jobs", `{"id":"a","artifact_count":1}`).Body.Close()
	postJSON(t, ts.URL+"/v1/jobs", `{"id":"b","artifact_count":1}`).Body.Close()

	resp := doRequest(t, http.MethodDelete, ts.URL+"/v1/jobs")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if n := len(srv.engine.ListJobs()); n != 0 {
		t.Errorf("live jobs = %d, want 0", n)
	}
}

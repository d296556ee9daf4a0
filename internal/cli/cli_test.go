package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// run executes the command line against a fake server and returns stdout.
func run(t *testing.T, mux *http.ServeMux, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var out, errOut bytes.Buffer
	root := NewRootCommand(&out, &errOut)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobSubmit(t *testing.T) {
	var got model.JobRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted": true,
			"job": model.Job{
				ID: got.ID, Status: model.StatusRunning,
				Progress: model.Progress{Total: 4, Phase: model.PhaseGenerating},
			},
		})
	})

	out, err := run(t, mux, "job", "submit", "job-1", "-n", "4", "--config-json", `{"style":"ink"}`, "--route", "gpu")
	require.NoError(t, err)

	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, json.Number("4"), got.ArtifactCount)
	assert.JSONEq(t, `{"style":"ink"}`, string(got.Config))
	assert.Equal(t, "gpu", got.Route)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "0/4")
}

func TestJobSubmitRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"accepted": false,
			"reason":   model.FieldError(model.CodeInvalidArtifactCount, "artifact_count", "artifact count 0 must be positive"),
		})
	})

	_, err := run(t, mux, "job", "submit", "job-1", "-n", "0")
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidArtifactCount, model.CodeOf(err))
}

func TestJobSubmitInvalidConfig(t *testing.T) {
	_, err := run(t, http.NewServeMux(), "job", "submit", "job-1", "--config-json", "{nope")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestJobGetJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.Job{ID: r.PathValue("id"), Status: model.StatusCompleted})
	})

	out, err := run(t, mux, "--json", "job", "get", "job-9")
	require.NoError(t, err)

	var job model.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "job-9", job.ID)
	assert.Equal(t, model.StatusCompleted, job.Status)
}

func TestJobList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  []model.Job{{ID: "a", Status: model.StatusRunning, Progress: model.Progress{Current: 1, Total: 3}}},
			"total": 1,
		})
	})

	out, err := run(t, mux, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "1/3")
}

func TestJobCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "ghost" {
			writeJSON(w, http.StatusNotFound, model.CancelResult{Error: model.Errorf(model.CodeJobNotFound, "job not found")})
			return
		}
		writeJSON(w, http.StatusOK, model.CancelResult{Accepted: true, Operation: model.OperationAlreadyCancelled})
	})

	out, err := run(t, mux, "job", "cancel", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "already cancelled")

	_, err = run(t, mux, "job", "cancel", "ghost")
	assert.Equal(t, model.CodeJobNotFound, model.CodeOf(err))
}

func TestJobWatchExitCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		n := model.Notification{Kind: model.KindError, CreatedAt: time.Now(),
			Error: &model.ErrorNotice{Code: model.CodeJobFailed, Message: "gpu lost", Context: map[string]string{"job_id": "job-1"}}}
		data, _ := json.Marshal(n)
		fmt.Fprintf(w, "event: error\ndata: %s\n\nevent: done\ndata: stream complete\n\n", data)
	})

	out, err := run(t, mux, "job", "watch", "job-1")
	code, ok := IsExitError(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, 2, code)
	assert.Contains(t, out, model.CodeJobFailed)
}

func TestSequenceRun(t *testing.T) {
	var got model.SequenceRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sequences", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, model.SequenceAck{Accepted: true, SequenceID: "seq-1", Total: len(got.Items)})
	})

	path := filepath.Join(t.TempDir(), "seq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
common:
  content: studio
items:
  - id: a
    name: Alpha
    content: red
  - id: b
    name: Beta
    content: blue
`), 0o644))

	out, err := run(t, mux, "sequence", "run", path)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, "studio", got.Common.Content)
	assert.Contains(t, out, "seq-1")
	assert.Contains(t, out, "2 items")
}

func TestSequenceRunInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("items:\n  - id: a\n"), 0o644))

	_, err := run(t, http.NewServeMux(), "sequence", "run", path)
	require.Error(t, err)
	assert.Equal(t, model.CodeSequenceValidationFailed, model.CodeOf(err))
}

func TestSequenceStatusAndCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sequences/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.SequenceProgress{
			SequenceID: "seq-1", Index: 0, Total: 2, Phase: model.PhaseApplying,
			CurrentItem: model.SequenceItem{ID: "a", Name: "Alpha"},
		})
	})
	mux.HandleFunc("DELETE /v1/sequences/current", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": false})
	})

	out, err := run(t, mux, "seq", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "seq-1")
	assert.Contains(t, out, "1/2 Alpha")

	out, err = run(t, mux, "seq", "cancel")
	require.NoError(t, err)
	assert.Contains(t, out, "no sequence running")
}

func TestStats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"live":    map[string]any{"total": 2, "by_status": map[string]int{"running": 2}},
			"archive": model.JobStats{Total: 7, ArtifactsMade: 21},
		})
	})

	out, err := run(t, mux, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "21")
	assert.Contains(t, out, "no sequence running")
}

func TestExitError(t *testing.T) {
	err := fmt.Errorf("watch: %w", NewExitError(3))
	code, ok := IsExitError(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, "exit status 3", NewExitError(3).Error())

	_, ok = IsExitError(errors.New("plain"))
	assert.False(t, ok)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "", progressBar(0, 0))
	assert.Equal(t, "["+string(bytes.Repeat([]byte("."), progressBarWidth))+"]", progressBar(0, 4))
	assert.Equal(t, "["+string(bytes.Repeat([]byte("#"), progressBarWidth))+"]", progressBar(4, 4))
}

func TestJobConfig(t *testing.T) {
	raw, err := jobConfig("", "")
	require.NoError(t, err)
	assert.Nil(t, raw)

	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))
	raw, err = jobConfig("", path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	require.NoError(t, os.WriteFile(path, []byte(`nope`), 0o644))
	_, err = jobConfig("", path)
	assert.Error(t, err)
}

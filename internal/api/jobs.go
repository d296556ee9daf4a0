package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
)

// submitJobRequest is the JSON body for POST /v1/jobs. artifact_count is kept
// raw so strings and booleans are reported as an invalid count rather than a
// malformed body.
type submitJobRequest struct {
	ID            string          `json:"id"`
	ArtifactCount json.RawMessage `json:"artifact_count"`
	Config        json.RawMessage `json:"config,omitempty"`
	Route         string          `json:"route,omitempty"`
}

// submitJobResponse is returned by POST /v1/jobs.
type submitJobResponse struct {
	Accepted bool         `json:"accepted"`
	Job      *model.Job   `json:"job,omitempty"`
	Reason   *model.Error `json:"reason,omitempty"`
}

type listJobsResponse struct {
	Jobs  []model.Job `json:"jobs"`
	Total int         `json:"total"`
}

type signalResponse struct {
	Accepted bool `json:"accepted"`
}

type artifactRequest struct {
	Index   int    `json:"index"`
	Locator string `json:"locator"`
	Label   string `json:"label,omitempty"`
}

type failureRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeSubmitRejected(w, err)
		return
	}

	job, err := s.engine.Start(r.Context(), model.JobRequest{
		ID:            body.ID,
		ArtifactCount: countLiteral(body.ArtifactCount),
		Config:        body.Config,
		Route:         body.Route,
	})
	if err != nil {
		s.writeSubmitRejected(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitJobResponse{Accepted: true, Job: &job})
}

func (s *Server) writeSubmitRejected(w http.ResponseWriter, err error) {
	reason := model.AsError(err, codeInternal)
	s.writeJSON(w, statusForCode(reason.Code), submitJobResponse{Reason: reason})
}

// countLiteral passes a JSON number through unchanged and turns anything else
// into a literal the validator rejects.
func countLiteral(raw json.RawMessage) json.Number {
	lit := strings.TrimSpace(string(raw))
	if lit == "" || lit == "null" {
		return ""
	}
	return json.Number(lit)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.ListJobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeModelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, statusForCode(model.CodeOf(err)), res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, _ *http.Request) {
	s.engine.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifactReady(w http.ResponseWriter, r *http.Request) {
	var body artifactRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeModelError(w, err)
		return
	}
	accepted := s.engine.OnArtifactReady(model.ArtifactSignal{
		JobID:   chi.URLParam(r, "id"),
		Index:   body.Index,
		Locator: body.Locator,
		Label:   body.Label,
	})
	s.writeJSON(w, http.StatusAccepted, signalResponse{Accepted: accepted})
}

func (s *Server) handleJobFailure(w http.ResponseWriter, r *http.Request) {
	var body failureRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeModelError(w, err)
		return
	}
	accepted := s.engine.OnJobFailed(model.FailureSignal{
		JobID:  chi.URLParam(r, "id"),
		Reason: body.Reason,
	})
	s.writeJSON(w, http.StatusAccepted, signalResponse{Accepted: accepted})
}

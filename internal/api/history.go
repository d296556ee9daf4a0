package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const maxNotificationLimit = 500

// jobHistoryResponse wraps a page of archived jobs.
type jobHistoryResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// sequenceHistoryResponse wraps a page of archived sequence runs.
type sequenceHistoryResponse struct {
	Runs   []*model.SequenceRecord `json:"runs"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

type notificationsResponse struct {
	Subject       string               `json:"subject,omitempty"`
	Notifications []model.Notification `json:"notifications"`
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list archived jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, jobHistoryResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleArchivedJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.CodeJobNotFound, "job not found in history")
		return
	}
	if err != nil {
		s.logger.Error("get archived job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "failed to get job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSequenceHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	runs, total, err := s.store.ListSequenceRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sequence runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "failed to list sequence runs")
		return
	}
	if runs == nil {
		runs = []*model.SequenceRecord{}
	}

	s.writeJSON(w, http.StatusOK, sequenceHistoryResponse{Runs: runs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > maxNotificationLimit {
		limit = 100
	}

	ns, err := s.store.ListNotifications(r.Context(), subject, limit)
	if err != nil {
		s.logger.Error("list notifications", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "failed to list notifications")
		return
	}

	s.writeJSON(w, http.StatusOK, notificationsResponse{Subject: subject, Notifications: ns})
}

package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Live                 liveStats               `json:"live"`
	Archive              *model.JobStats         `json:"archive"`
	Sequence             *model.SequenceProgress `json:"sequence"`
	NotificationsPending int                     `json:"notifications_pending"`
}

type liveStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	archive, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, codeInternal, "failed to get stats")
		return
	}

	live := liveStats{ByStatus: make(map[string]int)}
	for _, j := range s.engine.ListJobs() {
		live.Total++
		live.ByStatus[j.Status]++
	}

	resp := statsResponse{
		Live:     live,
		Archive:  archive,
		Sequence: s.sequencer.CurrentProgress(),
	}
	if s.gateway != nil {
		resp.NotificationsPending = s.gateway.Pending()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

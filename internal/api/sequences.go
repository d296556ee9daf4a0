package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

type sequenceRejected struct {
	Accepted bool         `json:"accepted"`
	Error    *model.Error `json:"error"`
}

func (s *Server) handleSubmitSequence(w http.ResponseWriter, r *http.Request) {
	var req model.SequenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeModelError(w, err)
		return
	}

	ack, err := s.sequencer.Submit(r.Context(), req)
	if err != nil {
		e := model.AsError(err, codeInternal)
		s.writeJSON(w, statusForCode(e.Code), sequenceRejected{Error: e})
		return
	}
	s.writeJSON(w, http.StatusAccepted, ack)
}

// handleCurrentSequence returns the active run's snapshot, or JSON null when idle.
func (s *Server) handleCurrentSequence(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sequencer.CurrentProgress())
}

func (s *Server) handleCancelSequence(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusAccepted, signalResponse{Accepted: s.sequencer.Cancel()})
}

func (s *Server) handleStepOutcome(w http.ResponseWriter, r *http.Request) {
	var o model.StepOutcome
	if err := decodeBody(w, r, &o); err != nil {
		s.writeModelError(w, err)
		return
	}
	switch o.Result {
	case model.OutcomeSuccess, model.OutcomeFailure, model.OutcomeTimeout:
	default:
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidPayload, "result must be success, failure or timeout")
		return
	}
	s.writeJSON(w, http.StatusAccepted, signalResponse{Accepted: s.sequencer.OnStepOutcome(o)})
}

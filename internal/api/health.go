package api

import (
	"net/http"

	"github.com/seantiz/dmworker/internal/model"
)

type healthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	InstanceID int    `json:"instance_id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.worker.State()
	resp := healthResponse{Status: "ok", State: state, InstanceID: s.worker.InstanceID()}
	if state == model.StateTerminated {
		resp.Status = "unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

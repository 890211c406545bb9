package api

import "net/http"

type instanceResponse struct {
	ID      int  `json:"id"`
	Default bool `json:"default"`
}

type listInstancesResponse struct {
	Instances []instanceResponse `json:"instances"`
	Count     int                `json:"count"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	defaultID := s.worker.InstanceID()

	instances := make([]instanceResponse, len(ids))
	for i, id := range ids {
		instances[i] = instanceResponse{ID: id, Default: id == defaultID}
	}

	s.writeJSON(w, http.StatusOK, listInstancesResponse{
		Instances: instances,
		Count:     len(instances),
	})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/seantiz/dmworker/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// listJournalResponse is the JSON response for GET /v1/journal.
type listJournalResponse struct {
	Commands []*model.CommandRecord `json:"commands"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit, offset := journalPage(r)
	commands, total, err := s.store.ListCommands(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list journal")
		return
	}
	if commands == nil {
		commands = []*model.CommandRecord{}
	}

	s.writeJSON(w, http.StatusOK, listJournalResponse{
		Commands: commands,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// journalPage reads limit and offset, falling back to the defaults for
// missing or out-of-range values.
func journalPage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset, err = strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	stats, err := s.store.GetCommandStats(r.Context())
	if err != nil {
		s.logger.Error("get command stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

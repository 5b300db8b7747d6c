package server

import (
	"net/http"

	"classifieds-sync/pkg/classifieds"
)

type threadsResponse struct {
	Threads    []classifieds.ThreadSummary `json:"threads"`
	Query      string                      `json:"query"`
	Syncing    bool                        `json:"syncing"`
	Refreshing bool                        `json:"refreshing"`
	Cycle      uint64                      `json:"cycle"`
}

// handleThreads returns the visible threads. A q parameter replaces the
// active search first.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if q, ok := r.URL.Query()["q"]; ok {
		query := ""
		if len(q) > 0 {
			query = q[0]
		}
		s.threads.SetQuery(query)
	}
	snap := s.threads.Snapshot()
	s.writeJSON(w, http.StatusOK, threadsResponse{
		Threads:    snap.Visible,
		Query:      snap.Query,
		Syncing:    snap.Syncing,
		Refreshing: snap.Refreshing,
		Cycle:      snap.Cycle,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.threads.Refresh(r.Context()); err != nil {
		s.writeError(w, r, err, http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, s.threads.Snapshot())
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.threads.Snapshot().Contacts)
}

type sessionRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func (s *Server) handleSetSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required"})
		return
	}
	if err := s.session.SetToken(r.Context(), req.Token, req.UserID); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Clear(r.Context()); err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import "net/http"

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rt.Queue.GetStatus())
}

func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Queue.Start(); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt.Queue.GetStatus())
}

func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Queue.Stop(); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt.Queue.GetStatus())
}

func (s *Server) handleQueueKick(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	rt.Queue.Kick()
	respondJSON(w, http.StatusAccepted, map[string]string{"kicked": rt.Workspace.ID})
}

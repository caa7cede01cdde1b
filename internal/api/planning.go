package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskfactory/factoryd/internal/attachments"
	"github.com/taskfactory/factoryd/internal/core"
	"github.com/taskfactory/factoryd/internal/hub"
)

type planningMessageRequest struct {
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

func (s *Server) handlePlanningMessages(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	msgs, err := rt.Planning.Messages()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"status":    rt.Planning.Status(),
		"messages":  msgs,
		"pendingQA": rt.Planning.PendingQA(),
	})
}

func (s *Server) handleSendPlanningMessage(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req planningMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	images, ok := s.resolveImages(w, rt, req.Images)
	if !ok {
		return
	}
	// Blocks until the turn ends; SSE carries the streaming updates.
	if err := rt.Planning.SendMessage(r.Context(), req.Content, images...); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": rt.Planning.Status()})
}

func (s *Server) handleResetPlanning(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Planning.Reset(); err != nil {
		respondDomainError(w, err)
		return
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

func (s *Server) handleStopPlanning(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"stopped": rt.Planning.StopExecution()})
}

func (s *Server) handleGetShelf(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	shelf, err := rt.Planning.ShelfSnapshot()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, shelf)
}

func (s *Server) handlePromoteDraft(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	task, err := rt.Planning.PromoteDraft(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTaskResponse(task))
}

func (s *Server) handleRemoveDraft(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Planning.RemoveDraft(chi.URLParam(r, "draftID")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleRemoveArtifact(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Planning.RemoveArtifact(chi.URLParam(r, "artifactID")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

type resolveQARequest struct {
	Answers []core.QAAnswer `json:"answers"`
}

func (s *Server) handleResolveQA(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	var req resolveQARequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.Planning.ResolveQA(chi.URLParam(r, "requestID"), req.Answers); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

// resolveImages maps uploaded attachment ids onto their stored file paths.
// Entries that are not known attachment ids pass through unchanged, so
// clients may also send plain paths.
func (s *Server) resolveImages(w http.ResponseWriter, rt *hub.Runtime, images []string) ([]string, bool) {
	if len(images) == 0 {
		return nil, true
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	out := make([]string, len(images))
	for i, img := range images {
		if _, abs, err := rt.Attachments.Resolve(attachments.OwnerPlanning, sessionID, img); err == nil {
			out[i] = abs
			continue
		}
		out[i] = img
	}
	return out, true
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	list, err := rt.Attachments.List(attachments.OwnerPlanning, sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if err := r.ParseMultipartForm(attachments.MaxAttachmentSizeBytes); err != nil {
		respondError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	meta, err := rt.Attachments.Save(attachments.OwnerPlanning, sessionID, file, header.Filename)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	sessionID, err := rt.Planning.SessionID()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := rt.Attachments.Delete(attachments.OwnerPlanning, sessionID, chi.URLParam(r, "attachmentID")); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleAbortQA(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	if err := rt.Planning.AbortQA(chi.URLParam(r, "requestID")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

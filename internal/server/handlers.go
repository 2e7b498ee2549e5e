package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/chat"
	"github.com/bookpile/hondana/internal/gateway"
	"github.com/bookpile/hondana/internal/history"
	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/storage"
)

const maxUploadBytes = 32 << 20

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	text := r.FormValue("text")
	if text == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	req := &chat.Request{
		UserID: requesterID(r),
		Text:   text,
		Model:  r.FormValue("model"),
	}
	if raw := r.FormValue("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid conversation_id")
			return
		}
		req.ConversationID = &id
	}

	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			if err != nil {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("read upload %s", header.Filename))
				return
			}
			content, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("read upload %s", header.Filename))
				return
			}
			req.Files = append(req.Files, chat.UploadedFile{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Content:     content,
			})
		}
	}

	result, err := s.pipeline.Handle(r.Context(), req)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type usageResponse struct {
	Rows  []*models.UsageDetail `json:"rows"`
	Total models.UsageTotal     `json:"total"`
}

func (s *Server) handleMessageUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	msg, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if !s.requireOwnership(w, r, msg.ConversationID) {
		return
	}
	rows, total, err := s.recorder.MessageUsage(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, usageResponse{Rows: rows, Total: total})
}

func (s *Server) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.requireOwnership(w, r, id) {
		return
	}
	rows, total, err := s.recorder.ConversationUsage(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, usageResponse{Rows: rows, Total: total})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.Context(), requesterID(r))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	conv, ok := s.ownedConversation(w, r, id)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.requireOwnership(w, r, id) {
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id, false)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		s.respondError(w, http.StatusBadRequest, "title is required")
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), requesterID(r), body.Title, "")
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.requireOwnership(w, r, id) {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		s.respondError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.RenameConversation(r.Context(), id, body.Title); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.requireOwnership(w, r, id) {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	att, err := s.store.GetAttachment(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	msg, err := s.store.GetMessage(r.Context(), att.MessageID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if !s.requireOwnership(w, r, msg.ConversationID) {
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Content)
}

type modelEntry struct {
	Model            string `json:"model"`
	InputPerMillion  string `json:"input_per_million"`
	CachedPerMillion string `json:"cached_input_per_million"`
	OutputPerMillion string `json:"output_per_million"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.catalog.GetOrCompute("model-catalog", s.catalogTTL, func() (any, error) {
		names := s.pricer.Models()
		entries := make([]modelEntry, 0, len(names))
		for _, name := range names {
			rate, ok := s.pricer.RateFor(name)
			if !ok {
				continue
			}
			entries = append(entries, modelEntry{
				Model:            name,
				InputPerMillion:  rate.Input.String(),
				CachedPerMillion: rate.CachedInput.String(),
				OutputPerMillion: rate.Output.String(),
			})
		}
		return entries, nil
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the {id} route parameter.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// ownedConversation loads the conversation and enforces ownership.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request, id int64) (*models.Conversation, bool) {
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return nil, false
	}
	if conv.UserID != requesterID(r) {
		s.respondError(w, http.StatusForbidden, "not your conversation")
		return nil, false
	}
	return conv, true
}

func (s *Server) requireOwnership(w http.ResponseWriter, r *http.Request, conversationID int64) bool {
	_, ok := s.ownedConversation(w, r, conversationID)
	return ok
}

// respondPipelineError maps the pipeline error taxonomy onto HTTP statuses.
func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrUnknownModel):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, gateway.ErrModelUnavailable):
		s.respondError(w, http.StatusBadGateway, "model unavailable, please retry")
	case errors.Is(err, chat.ErrNotOwner):
		s.respondError(w, http.StatusForbidden, "not your conversation")
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, history.ErrContextUnavailable):
		s.logger.Error("context assembly failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "conversation context unavailable")
	default:
		s.logger.Error("chat request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("storage error", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

package api

import (
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/meitheal/steward/internal/agent"
	"github.com/meitheal/steward/internal/auth"
	"github.com/meitheal/steward/internal/content"
	"github.com/meitheal/steward/internal/datastore"
	"github.com/meitheal/steward/internal/rollback"
)

const (
	maxMessageLen = 20000
	maxMemoryLen  = 100000
)

// AgentRequest is the body of POST /api/agent.
type AgentRequest struct {
	Message        string       `json:"message"`
	ProposalID     datastore.ID `json:"proposal_id"`
	ConversationID string       `json:"conversationId"`
}

// Validate checks the request before it reaches the loop.
func (r AgentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message,
			validation.When(r.ProposalID == "", validation.Required.Error("message or proposal_id required")),
			validation.RuneLength(0, maxMessageLen),
		),
		validation.Field(&r.ConversationID, validation.RuneLength(0, 64)),
	)
}

// AgentResponse is what the operator sees. The tool log stays server
// side: it can hold full file contents.
type AgentResponse struct {
	Text           string      `json:"text"`
	HTML           string      `json:"html"`
	ConversationID string      `json:"conversationId"`
	ChangeID       string      `json:"changeId,omitempty"`
	Usage          agent.Usage `json:"usage"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req AgentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	areq := &agent.Request{
		Message:        req.Message,
		ProposalID:     string(req.ProposalID),
		ConversationID: req.ConversationID,
	}
	if m := auth.MemberFromContext(r.Context()); m != nil {
		areq.AdminID = m.ID
	}

	resp, err := s.deps.Agent.Run(r.Context(), areq)
	switch {
	case errors.Is(err, agent.ErrEmptyRequest):
		s.errorResponse(w, http.StatusBadRequest, "message or proposal_id required")
		return
	case errors.Is(err, agent.ErrProposalNotFound):
		s.errorResponse(w, http.StatusNotFound, "Proposal not found")
		return
	case errors.Is(err, agent.ErrProposalNotApproved):
		s.errorResponse(w, http.StatusBadRequest, "Only approved proposals can be built")
		return
	case err != nil:
		s.logger.Error("agent invocation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, AgentResponse{
		Text:           resp.Text,
		HTML:           renderMarkdown(resp.Text),
		ConversationID: resp.ConversationID,
		ChangeID:       resp.ChangeID,
		Usage:          resp.Usage,
	}, s.logger)
}

// RollbackRequest is the body of POST /api/rollback.
type RollbackRequest struct {
	ChangelogID datastore.ID `json:"changelog_id"`
}

// Validate implements validation.Validatable.
func (r RollbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ChangelogID, validation.Required.Error("changelog_id required")),
	)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	report, err := s.deps.Rollback.Rollback(r.Context(), string(req.ChangelogID))
	switch {
	case errors.Is(err, rollback.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Changelog entry not found")
		return
	case errors.Is(err, rollback.ErrAlreadyRolledBack):
		s.errorResponse(w, http.StatusBadRequest, "This build has already been rolled back")
		return
	case errors.Is(err, rollback.ErrNoSnapshots):
		s.errorResponse(w, http.StatusBadRequest, "No rollback data for this build")
		return
	case err != nil:
		s.logger.Error("rollback failed", "change", req.ChangelogID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

// MemoryDocument is the agent memory as shown in the admin UI.
type MemoryDocument struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.currentMemory(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, doc, s.logger)
}

// MemoryUpdate is the body of POST /api/memory.
type MemoryUpdate struct {
	Content *string `json:"content"`
}

// Validate implements validation.Validatable.
func (m MemoryUpdate) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Content, validation.NotNil.Error("content required"), validation.RuneLength(0, maxMemoryLen)),
	)
}

func (s *Server) handleMemorySave(w http.ResponseWriter, r *http.Request) {
	var req MemoryUpdate
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := s.deps.Memory.Save(r.Context(), *req.Content, "Update agent memory (admin edit)"); err != nil {
		s.logger.Error("memory save failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, content.ErrConflict) {
			status = http.StatusConflict
		}
		s.errorResponse(w, status, err.Error())
		return
	}

	doc, ok := s.currentMemory(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, doc, s.logger)
}

func (s *Server) currentMemory(w http.ResponseWriter, r *http.Request) (MemoryDocument, bool) {
	f, err := s.deps.Memory.Get(r.Context())
	if errors.Is(err, content.ErrNotFound) {
		return MemoryDocument{}, true
	}
	if err != nil {
		s.logger.Error("memory load failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "could not load memory document")
		return MemoryDocument{}, false
	}
	return MemoryDocument{Content: f.Content, SHA: f.SHA}, true
}

// validationMessage flattens ozzo field errors to one line.
func validationMessage(err error) string {
	var errs validation.Errors
	if errors.As(err, &errs) && len(errs) == 1 {
		for _, e := range errs {
			return e.Error()
		}
	}
	return err.Error()
}

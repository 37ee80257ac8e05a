// ABOUTME: HTTP handlers for conversation control and inspection
// ABOUTME: Maps init/start/stop requests onto the conversation service and streams events over SSE

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/h2h-gateway/internal/agent"
	"github.com/2389/h2h-gateway/internal/auth"
	"github.com/2389/h2h-gateway/internal/conversation"
	"github.com/2389/h2h-gateway/internal/persona"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 1 << 20

// PersonalityRequest describes one side of a conversation. ID selects a
// catalog persona; Name and Prompt override its fields or stand alone.
type PersonalityRequest struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// InitRequest is the JSON request body for POST /h2h/init.
type InitRequest struct {
	LeftPersonality  *PersonalityRequest `json:"leftPersonality"`
	RightPersonality *PersonalityRequest `json:"rightPersonality"`
	Topic            string              `json:"topic"`
}

// InitResponse is the JSON response for POST /h2h/init.
type InitResponse struct {
	ConversationID string `json:"conversationId"`
}

// ConversationRequest is the JSON request body for POST /h2h/start and /h2h/stop.
type ConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

// SuccessResponse acknowledges a control request.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// TurnResponse is one transcript entry.
type TurnResponse struct {
	Seq       int    `json:"seq"`
	Side      string `json:"side"`
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// TranscriptResponse is the JSON response for GET /api/conversations/{id}/transcript.
type TranscriptResponse struct {
	ConversationID string         `json:"conversationId"`
	Topic          string         `json:"topic"`
	Turns          []TurnResponse `json:"turns"`
}

func (g *Gateway) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	left, err := g.resolvePersona(req.LeftPersonality)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "leftPersonality: "+err.Error())
		return
	}
	right, err := g.resolvePersona(req.RightPersonality)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "rightPersonality: "+err.Error())
		return
	}

	id, err := g.conversation.Initialize(r.Context(), left, right, req.Topic)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.logger.Info("conversation initialized",
		"conversation_id", id,
		"left", left.Name,
		"right", right.Name,
		"subject", auth.SubjectFromContext(r.Context()))
	g.sendJSON(w, http.StatusOK, InitResponse{ConversationID: id})
}

// resolvePersona merges an init request side with the catalog entry it
// references, if any.
func (g *Gateway) resolvePersona(req *PersonalityRequest) (conversation.Persona, error) {
	if req == nil {
		return conversation.Persona{}, errors.New("is required")
	}

	var p conversation.Persona
	if id := strings.TrimSpace(req.ID); id != "" {
		entry, ok := g.personas.Get(id)
		if !ok {
			return conversation.Persona{}, fmt.Errorf("unknown personality %q", id)
		}
		p = fromCatalog(entry)
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Prompt != "" {
		p.Prompt = req.Prompt
	}

	if err := p.Validate(); err != nil {
		return conversation.Persona{}, err
	}
	return p, nil
}

func fromCatalog(p persona.Persona) conversation.Persona {
	return conversation.Persona{Name: p.Name, Prompt: p.Prompt}
}

func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}
	if err := g.conversation.Start(r.Context(), id); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (g *Gateway) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := g.conversationID(w, r)
	if !ok {
		return
	}
	if err := g.conversation.Stop(r.Context(), id); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// conversationID decodes a ConversationRequest body, writing a 400 when
// the id is missing.
func (g *Gateway) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return "", false
	}
	return id, true
}

func (g *Gateway) handlePersonalities(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.personas.List())
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.conversation.List())
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := g.conversation.Get(r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	snap, err := g.conversation.Get(r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	turns, err := g.transcripts.ListTurns(r.Context(), snap.ID, 0)
	if err != nil {
		g.logger.Error("failed to list transcript", "conversation_id", snap.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := TranscriptResponse{
		ConversationID: snap.ID,
		Topic:          snap.Topic,
		Turns:          make([]TurnResponse, 0, len(turns)),
	}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, TurnResponse{
			Seq:       t.Seq,
			Side:      t.Side,
			Speaker:   t.Speaker,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.UTC().Format(timeLayout),
		})
	}

	if r.URL.Query().Get("format") == "html" {
		g.renderTranscript(w, resp)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleEvents streams a conversation's turn events as SSE until the client
// goes away or the conversation's broadcaster closes.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap, err := g.conversation.Get(r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := g.events.Subscribe(r.Context(), snap.ID)
	defer g.events.Unsubscribe(snap.ID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "snapshot", snap)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// sendServiceError maps conversation and upstream errors to HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrTurnInProgress),
		errors.Is(err, conversation.ErrStaleSignal),
		errors.Is(err, conversation.ErrTurnLimitReached),
		errors.Is(err, conversation.ErrInvalidConversation):
		return http.StatusConflict
	case errors.Is(err, agent.ErrAuth), errors.Is(err, agent.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ABOUTME: Websocket endpoint binding a client to one side of a conversation
// ABOUTME: Announces the connection and relays client "response" frames as turn signals

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/h2h-gateway/internal/channel"
	"github.com/2389/h2h-gateway/internal/conversation"
)

// handleWebSocket serves GET /ws?conversationId=&side=.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("conversationId")
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	side, err := conversation.ParseSide(q.Get("side"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := g.conversation.Get(id)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	if !snap.Active {
		g.sendJSONError(w, http.StatusConflict, "conversation is stopped")
		return
	}
	key, err := g.conversation.SessionKey(id, side)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	conn, err := channel.Accept(w, r, g.config.Channels.AllowedOrigins, g.logger)
	if err != nil {
		// Accept has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", "conversation_id", id, "side", side, "error", err)
		return
	}

	logger := g.logger.With("conversation_id", id, "side", side)
	g.registry.Bind(key, conn)
	if err := conn.Send(channel.Connected(string(side))); err != nil {
		logger.Debug("failed to send connected notice", "error", err)
	}

	err = conn.ReadLoop(r.Context(), func(msg channel.ClientMessage) {
		g.handleClientMessage(logger, id, side, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("websocket read ended", "error", err)
	}
}

// handleClientMessage treats a "response" frame from side as the signal
// that the other side should answer it.
func (g *Gateway) handleClientMessage(logger *slog.Logger, id string, side conversation.Side, msg channel.ClientMessage) {
	if msg.Type != channel.TypeResponse {
		logger.Debug("ignoring client message", "type", msg.Type)
		return
	}

	// Generation must outlive this frame, so the signal is not tied to the
	// request context.
	err := g.conversation.ContinueTurn(context.Background(), id, msg.Content, side.Other())
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrStaleSignal),
		errors.Is(err, conversation.ErrTurnInProgress):
		logger.Debug("turn signal ignored", "error", err)
	default:
		logger.Warn("turn signal rejected", "error", err)
	}
}

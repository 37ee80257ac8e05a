// ABOUTME: HTML rendering of conversation transcripts
// ABOUTME: Converts each turn's markdown with goldmark into an embedded page template

package gateway

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
)

//go:embed templates/*.html
var templateFS embed.FS

const timeLayout = time.RFC3339

var transcriptTemplate = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))

type transcriptTurnView struct {
	TurnResponse
	Body template.HTML
}

type transcriptView struct {
	ConversationID string
	Topic          string
	Turns          []transcriptTurnView
}

// renderTranscript writes resp as an HTML page. Raw HTML in turn content
// is omitted by goldmark's default renderer.
func (g *Gateway) renderTranscript(w http.ResponseWriter, resp TranscriptResponse) {
	view := transcriptView{
		ConversationID: resp.ConversationID,
		Topic:          resp.Topic,
		Turns:          make([]transcriptTurnView, 0, len(resp.Turns)),
	}
	for _, t := range resp.Turns {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(t.Content), &buf); err != nil {
			g.logger.Warn("failed to render turn markdown", "seq", t.Seq, "error", err)
			buf.Reset()
			buf.WriteString(template.HTMLEscapeString(t.Content))
		}
		view.Turns = append(view.Turns, transcriptTurnView{
			TurnResponse: t,
			Body:         template.HTML(buf.String()),
		})
	}

	var page bytes.Buffer
	if err := transcriptTemplate.Execute(&page, view); err != nil {
		g.logger.Error("failed to render transcript", "conversation_id", resp.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page.Bytes())
}

// ABOUTME: Tests for the conversation control and inspection HTTP handlers
// ABOUTME: Drives the gateway handler with httptest and a stub generator

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/h2h-gateway/internal/agent"
	"github.com/2389/h2h-gateway/internal/auth"
	"github.com/2389/h2h-gateway/internal/conversation"
	"github.com/2389/h2h-gateway/internal/persona"
)

// doJSON sends body (marshaled unless it is a string) to the handler.
func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func validInit() InitRequest {
	return InitRequest{
		LeftPersonality:  &PersonalityRequest{Name: "A", Prompt: "p1"},
		RightPersonality: &PersonalityRequest{Name: "B", Prompt: "p2"},
		Topic:            "topic",
	}
}

// initConversation creates a conversation through the API.
func initConversation(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/h2h/init", validInit())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ConversationID)
	return resp.ConversationID
}

func getSnapshot(t *testing.T, h http.Handler, id string) conversation.Snapshot {
	t.Helper()
	rec := doJSON(t, h, http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap conversation.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestHandleInit(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()

	id := initConversation(t, h)

	snap := getSnapshot(t, h, id)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, "topic", snap.Topic)
	assert.True(t, snap.Active)
	assert.Equal(t, "A", snap.Left.Name)
	assert.Equal(t, "p2", snap.Right.Prompt)
	assert.Equal(t, "left_"+id, snap.Left.SessionKey)
	assert.Equal(t, "right_"+id, snap.Right.SessionKey)
}

func TestHandleInit_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"empty body", nil, "request body is required"},
		{"invalid json", "{not json", "invalid JSON body"},
		{"missing left", InitRequest{RightPersonality: &PersonalityRequest{Name: "B", Prompt: "p"}}, "leftPersonality"},
		{"missing right", InitRequest{LeftPersonality: &PersonalityRequest{Name: "A", Prompt: "p"}}, "rightPersonality"},
		{"empty name", InitRequest{
			LeftPersonality:  &PersonalityRequest{Prompt: "p"},
			RightPersonality: &PersonalityRequest{Name: "B", Prompt: "p"},
		}, "name is required"},
		{"empty prompt", InitRequest{
			LeftPersonality:  &PersonalityRequest{Name: "A", Prompt: "p"},
			RightPersonality: &PersonalityRequest{Name: "B", Prompt: "  "},
		}, "prompt is required"},
		{"unknown persona id", InitRequest{
			LeftPersonality:  &PersonalityRequest{ID: "nobody"},
			RightPersonality: &PersonalityRequest{Name: "B", Prompt: "p"},
		}, "unknown personality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/h2h/init", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorMessage(t, rec), tt.wantErr)
		})
	}

	rec := doJSON(t, h, http.MethodGet, "/api/conversations", nil)
	var list []conversation.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list, "rejected requests create nothing")
}

func TestHandleInit_CatalogPersona(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()

	yoda, ok := gw.personas.Get("yoda")
	require.True(t, ok)

	rec := doJSON(t, h, http.MethodPost, "/h2h/init", InitRequest{
		LeftPersonality:  &PersonalityRequest{ID: "yoda"},
		RightPersonality: &PersonalityRequest{ID: "hal", Name: "Computer"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	snap := getSnapshot(t, h, resp.ConversationID)
	assert.Equal(t, yoda.Name, snap.Left.Name)
	assert.Equal(t, yoda.Prompt, snap.Left.Prompt)
	assert.Equal(t, "Computer", snap.Right.Name, "inline name overrides the catalog")
	assert.NotEmpty(t, snap.Right.Prompt)
}

func TestHandleStart(t *testing.T) {
	gen := &stubGenerator{}
	gw := newTestGateway(t, testConfig(t, ""), gen)
	h := gw.Handler()
	id := initConversation(t, h)

	rec := doJSON(t, h, http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return getSnapshot(t, h, id).State == conversation.Waiting
	}, 2*time.Second, 10*time.Millisecond)

	snap := getSnapshot(t, h, id)
	assert.Equal(t, []string{"left reply 1"}, snap.Left.Utterances)
	assert.Equal(t, conversation.Right, snap.Speaker)
	assert.Equal(t, 1, gw.conversation.PendingTurns())

	prompts := gen.Prompts()
	require.Len(t, prompts, 1)
	assert.True(t, strings.HasPrefix(prompts[0], "p1\nContext: You are having a conversation with B about topic."))

	// A turn sequence is already running.
	rec = doJSON(t, h, http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStartStop_Errors(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()

	for _, path := range []string{"/h2h/start", "/h2h/stop"} {
		t.Run(path, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, path, ConversationRequest{})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "conversationId is required", errorMessage(t, rec))

			rec = doJSON(t, h, http.MethodPost, path, ConversationRequest{ConversationID: "missing"})
			assert.Equal(t, http.StatusNotFound, rec.Code)

			rec = doJSON(t, h, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestHandleStop(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()
	id := initConversation(t, h)

	rec := doJSON(t, h, http.MethodPost, "/h2h/stop", ConversationRequest{ConversationID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	snap := getSnapshot(t, h, id)
	assert.False(t, snap.Active)
	assert.Equal(t, conversation.Stopped, snap.State)
	assert.NotNil(t, snap.StoppedAt)

	// Stopping twice succeeds without further effect.
	rec = doJSON(t, h, http.MethodPost, "/h2h/stop", ConversationRequest{ConversationID: id})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStart_UpstreamFailure(t *testing.T) {
	gen := &stubGenerator{err: agent.ErrAuth}
	gw := newTestGateway(t, testConfig(t, ""), gen)
	h := gw.Handler()
	id := initConversation(t, h)

	rec := doJSON(t, h, http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	snap := getSnapshot(t, h, id)
	assert.True(t, snap.Active, "a failed turn leaves the conversation active")
	assert.Equal(t, conversation.Idle, snap.State)
	assert.Zero(t, snap.Turns)
}

func TestHandlePersonalities(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/personalities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []persona.Persona
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, gw.personas.Len())
	assert.Equal(t, "paddy", list[0].ID)
}

func TestHandleConversations(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	h := gw.Handler()

	first := initConversation(t, h)
	second := initConversation(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []conversation.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)

	rec = doJSON(t, h, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTranscript(t *testing.T) {
	gen := &stubGenerator{reply: func(side string, n int) string {
		return "**" + side + "** <script>x</script>"
	}}
	gw := newTestGateway(t, testConfig(t, ""), gen)
	h := gw.Handler()
	id := initConversation(t, h)

	rec := doJSON(t, h, http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	var transcript TranscriptResponse
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/conversations/"+id+"/transcript", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		transcript = TranscriptResponse{}
		return json.Unmarshal(rec.Body.Bytes(), &transcript) == nil && len(transcript.Turns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, id, transcript.ConversationID)
	assert.Equal(t, "topic", transcript.Topic)
	turn := transcript.Turns[0]
	assert.Equal(t, 1, turn.Seq)
	assert.Equal(t, "left", turn.Side)
	assert.Equal(t, "A", turn.Speaker)
	assert.Equal(t, "**left** <script>x</script>", turn.Content)

	rec = doJSON(t, h, http.MethodGet, "/api/conversations/"+id+"/transcript?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	page := rec.Body.String()
	assert.Contains(t, page, "<strong>left</strong>")
	assert.NotContains(t, page, "<script>")
	assert.Contains(t, page, "<title>topic</title>")

	rec = doJSON(t, h, http.MethodGet, "/api/conversations/missing/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEvents(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""), nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	id := initConversation(t, gw.Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/conversations/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	nextEvent := func() (string, string) {
		var event, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
		t.Fatalf("event stream ended: %v", scanner.Err())
		return "", ""
	}

	event, data := nextEvent()
	require.Equal(t, "snapshot", event)
	assert.Contains(t, data, id)

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/h2h/start", ConversationRequest{ConversationID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	event, _ = nextEvent()
	assert.Equal(t, conversation.EventTurnStarted, event)

	event, data = nextEvent()
	assert.Equal(t, conversation.EventTurnCompleted, event)
	var ev conversation.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "left reply 1", ev.Content)
	assert.Equal(t, 1, ev.Turn)

	rec = doJSON(t, gw.Handler(), http.MethodPost, "/h2h/stop", ConversationRequest{ConversationID: id})
	require.Equal(t, http.StatusOK, rec.Code)

	event, _ = nextEvent()
	assert.Equal(t, conversation.EventStopped, event)
}

func TestHTTPAuth(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	cfg := testConfig(t, "auth:\n  jwt_secret: \""+secret+"\"\n")
	gw := newTestGateway(t, cfg, nil)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/personalities", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/h2h/init", validInit())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate("tester", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/personalities", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays unauthenticated for liveness checks.
	rec = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{conversation.ErrInvalidInput, http.StatusBadRequest},
		{conversation.ErrNotFound, http.StatusNotFound},
		{conversation.ErrTurnInProgress, http.StatusConflict},
		{conversation.ErrStaleSignal, http.StatusConflict},
		{conversation.ErrTurnLimitReached, http.StatusConflict},
		{conversation.ErrInvalidConversation, http.StatusConflict},
		{agent.ErrAuth, http.StatusBadGateway},
		{agent.ErrUpstream, http.StatusBadGateway},
		{conversation.ErrClosed, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

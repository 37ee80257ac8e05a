// ABOUTME: Fake upstream for local end-to-end runs: identity endpoints plus streaming chat completions
// ABOUTME: Usage: fake-upstream [-addr localhost:9090] [-key dev-key] [-secret S] [-delay 80ms]

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/h2h-gateway/internal/auth"
)

const (
	refreshTTL = 24 * time.Hour
	accessTTL  = 5 * time.Minute

	identityIssuer = "fake-identity"
)

type serverConfig struct {
	AgentKey   string
	Secret     []byte
	Model      string
	WordDelay  time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *slog.Logger
}

type server struct {
	cfg      serverConfig
	verifier *auth.JWTVerifier
	requests atomic.Int64
}

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	key := flag.String("key", "dev-key", "agent key accepted by the identity endpoints")
	secret := flag.String("secret", "fake-upstream-signing-secret-0123456789", "HS256 secret for issued tokens")
	delay := flag.Duration("delay", 80*time.Millisecond, "delay between streamed words")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := newServer(serverConfig{
		AgentKey:  *key,
		Secret:    []byte(*secret),
		WordDelay: *delay,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("fake upstream listening",
		"addr", *addr,
		"agent_endpoint", "http://"+*addr+"/v1",
		"api_base", "http://"+*addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newServer(cfg serverConfig) (*server, error) {
	verifier, err := auth.NewJWTVerifier(cfg.Secret, auth.WithIssuer(identityIssuer))
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "fake-echo"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = accessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = refreshTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &server{cfg: cfg, verifier: verifier}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/agents/{id}/token", s.handleRefreshToken)
	mux.HandleFunc("PUT /auth/agents/{id}/token", s.handleAccessToken)
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
	return mux
}

// handleRefreshToken issues a refresh token for a valid agent key.
func (s *server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != s.cfg.AgentKey {
		writeError(w, http.StatusUnauthorized, "invalid agent key")
		return
	}
	token, err := s.sign(r.PathValue("id"), "refresh", s.cfg.RefreshTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"refresh_token": token})
}

// handleAccessToken exchanges a refresh token for an access token.
func (s *server) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.Header.Get("X-Api-Key") != s.cfg.AgentKey {
		writeError(w, http.StatusUnauthorized, "invalid agent key")
		return
	}
	if err := s.check(r.URL.Query().Get("refresh_token"), id, "refresh"); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, err := s.sign(id, "access", s.cfg.AccessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
}

func (s *server) sign(subject, kind string, ttl time.Duration) (string, error) {
	return s.verifier.GenerateScoped(subject, kind, ttl)
}

// check verifies a token issued by sign for subject.
func (s *server) check(token, subject, kind string) error {
	claims, err := s.verifier.VerifyClaims(token)
	if err != nil {
		return fmt.Errorf("invalid %s token: %w", kind, err)
	}
	if claims.Subject != subject {
		return fmt.Errorf("invalid %s token: wrong subject", kind)
	}
	if claims.Scope != kind {
		return fmt.Errorf("invalid %s token: wrong type", kind)
	}
	return nil
}

// authorized accepts the static agent key or an access token.
func (s *server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	if token == s.cfg.AgentKey {
		return true
	}
	claims, err := s.verifier.VerifyClaims(token)
	return err == nil && claims.Scope == "access"
}

type completionRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Stream {
		writeError(w, http.StatusBadRequest, "only streaming completions are supported")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	n := s.requests.Add(1)
	reply := echoReply(lastUserMessage(req), n)
	s.cfg.Logger.Info("completion", "user", req.User, "request", n, "reply", reply)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	base := chunk{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}

	send := func(delta chunkDelta, finish *string) {
		c := base
		c.Choices = []chunkChoice{{Delta: delta, FinishReason: finish}}
		data, _ := json.Marshal(c)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(chunkDelta{Role: "assistant"}, nil)
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.WordDelay):
		}
		send(chunkDelta{Content: word}, nil)
	}
	stop := "stop"
	send(chunkDelta{}, &stop)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func lastUserMessage(req completionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			return text
		}
	}
	return ""
}

// echoReply answers with the line the prompt asks to respond to, or opens
// the conversation when there is none.
func echoReply(prompt string, n int64) string {
	for _, marker := range []string{"responding to: ", "Respond to: "} {
		if _, rest, ok := strings.Cut(prompt, marker); ok {
			line, _, _ := strings.Cut(rest, "\n")
			return fmt.Sprintf("(%d) You said %q. Interesting!", n, truncate(line, 60))
		}
	}
	return fmt.Sprintf("(%d) Hello! Let's talk.", n)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

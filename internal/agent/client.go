// ABOUTME: Streams generated text from an OpenAI-compatible upstream endpoint
// ABOUTME: Authenticates via a CredentialSource and yields Fragments on a channel

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// DefaultModel is the model requested when none is configured.
const DefaultModel = "gpt-4-1106-preview"

// fragmentBufferSize is the channel buffer between the upstream reader and
// the consumer.
const fragmentBufferSize = 32

// ErrAuth indicates the bearer credential could not be obtained.
var ErrAuth = errors.New("credential acquisition failed")

// ErrUpstream indicates a transport or HTTP failure talking to the
// generation endpoint.
var ErrUpstream = errors.New("upstream generation failed")

// CredentialSource supplies the bearer credential for each request.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource that always returns the same token.
type StaticToken string

// Token returns the static token.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Fragment is one element of a generation stream. Exactly one of Text,
// Done or Err is meaningful; Text may be empty.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// Config configures a Client.
type Config struct {
	Endpoint   string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client opens generation streams against the upstream endpoint.
type Client struct {
	creds      CredentialSource
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client. A nil HTTPClient uses one without a total
// timeout so long streams are not cut off.
func NewClient(creds CredentialSource, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		creds:      creds,
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "agent"),
	}
}

// Send opens a streaming completion for prompt on behalf of sessionKey.
//
// Credential failures return ErrAuth. Connection and HTTP failures before
// the first chunk return ErrUpstream. After that, failures arrive as a
// Fragment with Err set. A Done fragment follows the last chunk and the
// channel is then closed.
func (c *Client) Send(ctx context.Context, prompt, sessionKey string) (<-chan *Fragment, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	client := openai.NewClient(
		option.WithBaseURL(c.endpoint),
		option.WithAPIKey(token),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)

	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: c.model,
		User:  openai.String(sessionKey),
	}

	start := time.Now()
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	// Wait for the first chunk so connection and status errors reach the caller.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			c.logger.Warn("upstream request failed",
				"session_key", sessionKey,
				"error", err)
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		out := make(chan *Fragment, 1)
		out <- &Fragment{Done: true}
		close(out)
		return out, nil
	}

	c.logger.Debug("upstream stream opened",
		"session_key", sessionKey,
		"first_chunk_ms", time.Since(start).Milliseconds())

	out := make(chan *Fragment, fragmentBufferSize)
	go c.pump(ctx, stream, out, sessionKey)
	return out, nil
}

// pump forwards the remaining chunks. The stream is positioned on the
// first chunk when pump starts.
func (c *Client) pump(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], out chan<- *Fragment, sessionKey string) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	emit := func(f *Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !emit(&Fragment{Text: choice.Delta.Content}) {
				return
			}
		}
		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		c.logger.Warn("upstream stream failed",
			"session_key", sessionKey,
			"error", err)
		emit(&Fragment{Err: fmt.Errorf("%w: %w", ErrUpstream, err)})
		return
	}
	emit(&Fragment{Done: true})
}

// ABOUTME: Orchestrator that runs the turn sequence of two-agent conversations
// ABOUTME: Builds prompts, relays streamed fragments to channels and schedules the next turn

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/h2h-gateway/internal/agent"
	"github.com/2389/h2h-gateway/internal/channel"
	"github.com/2389/h2h-gateway/internal/dedupe"
	"github.com/2389/h2h-gateway/internal/metrics"
	"github.com/2389/h2h-gateway/internal/store"
)

// Defaults for Config.
const (
	DefaultTurnDelay = 5 * time.Second
	DefaultMaxTurns  = 100
)

const saveTimeout = 5 * time.Second

// Generator opens a generation stream for a prompt.
type Generator interface {
	Send(ctx context.Context, prompt, sessionKey string) (<-chan *agent.Fragment, error)
}

// Channels delivers messages to the channel bound to a session key.
type Channels interface {
	Send(key string, msg channel.Message) bool
	Unbind(key string)
}

// Config configures a Service. Only Generator and Channels are required.
type Config struct {
	TurnDelay time.Duration // zero uses DefaultTurnDelay; negative means no delay
	MaxTurns  int           // zero uses DefaultMaxTurns; negative means unlimited
	Retention time.Duration // see StoreConfig.Retention

	Transcripts store.TranscriptStore
	Signals     *dedupe.Cache
	Metrics     *metrics.Metrics
	Events      *EventBroadcaster
	Logger      *slog.Logger
}

// Service runs conversations.
type Service struct {
	gen         Generator
	channels    Channels
	store       *Store
	scheduler   *Scheduler
	transcripts store.TranscriptStore
	signals     *dedupe.Cache
	metrics     *metrics.Metrics
	events      *EventBroadcaster
	logger      *slog.Logger

	turnDelay time.Duration
	maxTurns  int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a Service.
func NewService(gen Generator, channels Channels, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch {
	case cfg.TurnDelay == 0:
		cfg.TurnDelay = DefaultTurnDelay
	case cfg.TurnDelay < 0:
		cfg.TurnDelay = 0
	}
	switch {
	case cfg.MaxTurns == 0:
		cfg.MaxTurns = DefaultMaxTurns
	case cfg.MaxTurns < 0:
		cfg.MaxTurns = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		gen:         gen,
		channels:    channels,
		scheduler:   NewScheduler(),
		transcripts: cfg.Transcripts,
		signals:     cfg.Signals,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		logger:      cfg.Logger.With("component", "conversation"),
		turnDelay:   cfg.TurnDelay,
		maxTurns:    cfg.MaxTurns,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.store = NewStore(StoreConfig{
		Retention: cfg.Retention,
		OnPurge:   s.purged,
		Logger:    cfg.Logger,
	})
	return s
}

// Initialize creates a conversation between two personas and returns its id.
func (s *Service) Initialize(ctx context.Context, left, right Persona, topic string) (string, error) {
	conv, err := s.store.Create(left, right, topic)
	if err != nil {
		return "", err
	}

	s.metrics.ConversationCreated()
	s.logger.Info("conversation initialized",
		"conversation_id", conv.ID,
		"left", left.Name,
		"right", right.Name,
		"topic", conv.Topic)
	return conv.ID, nil
}

// Start runs the opening turn. A fresh conversation opens with the left
// side; an idle conversation with history resumes with the side expected
// to speak next.
func (s *Service) Start(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	conv, err := s.store.Get(id)
	if err != nil {
		return err
	}

	plan, err := conv.begin(turnRequest{origin: originStart}, s.maxTurns)
	if err != nil {
		return s.rejected(conv, err)
	}
	return s.runTurn(conv, plan)
}

// ContinueTurn runs forSide's turn in response to priorMessage, the other
// side's latest utterance. It is honored only when no turn is generating
// and forSide is the side the conversation expects; a pending scheduled
// turn for that side is run immediately instead.
func (s *Service) ContinueTurn(ctx context.Context, id, priorMessage string, forSide Side) error {
	if forSide != Left && forSide != Right {
		return fmt.Errorf("%w: side must be left or right", ErrInvalidInput)
	}
	if s.isClosed() {
		return ErrClosed
	}
	conv, err := s.store.Get(id)
	if err != nil {
		return err
	}

	key := dedupe.SignalKey(id, string(forSide), conv.Turns(), priorMessage)
	if s.signals != nil && s.signals.CheckAndMark(key) {
		s.metrics.Signal(metrics.SignalDuplicate)
		s.logger.Debug("duplicate turn signal dropped",
			"conversation_id", id,
			"side", forSide)
		return ErrStaleSignal
	}

	plan, err := conv.begin(turnRequest{
		origin:   originSignal,
		side:     forSide,
		incoming: priorMessage,
	}, s.maxTurns)
	if err != nil {
		if s.signals != nil {
			s.signals.Forget(key)
		}
		switch {
		case errors.Is(err, ErrStaleSignal):
			s.metrics.Signal(metrics.SignalStale)
		case errors.Is(err, ErrTurnInProgress):
			s.metrics.Signal(metrics.SignalInProgress)
		}
		return s.rejected(conv, err)
	}

	s.metrics.Signal(metrics.SignalAccepted)
	if s.scheduler.Cancel(id) {
		s.logger.Debug("turn signal preempted scheduled turn",
			"conversation_id", id,
			"side", forSide)
	}
	return s.runTurn(conv, plan)
}

// Stop deactivates a conversation, cancels its pending turn and unbinds
// both channels. Stopping twice has no further effect.
func (s *Service) Stop(ctx context.Context, id string) error {
	conv, err := s.store.Get(id)
	if err != nil {
		return err
	}

	changed, err := s.store.Deactivate(id)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.scheduler.Cancel(id)
	s.channels.Unbind(conv.Agent(Left).SessionKey)
	s.channels.Unbind(conv.Agent(Right).SessionKey)

	s.metrics.ConversationStopped()
	s.publish(&Event{Type: EventStopped, ConversationID: id})
	s.logger.Info("conversation stopped", "conversation_id", id)
	return nil
}

// Get returns a snapshot of a conversation.
func (s *Service) Get(id string) (Snapshot, error) {
	conv, err := s.store.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return conv.Snapshot(), nil
}

// List returns snapshots of all tracked conversations, oldest first.
func (s *Service) List() []Snapshot {
	convs := s.store.List()
	out := make([]Snapshot, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conv.Snapshot())
	}
	return out
}

// SessionKey returns the channel session key for one side of a conversation.
func (s *Service) SessionKey(id string, side Side) (string, error) {
	if side != Left && side != Right {
		return "", fmt.Errorf("%w: side must be left or right", ErrInvalidInput)
	}
	conv, err := s.store.Get(id)
	if err != nil {
		return "", err
	}
	return conv.Agent(side).SessionKey, nil
}

// Active returns the number of conversations that have not been stopped.
func (s *Service) Active() int {
	n := 0
	for _, conv := range s.store.List() {
		if conv.Active() {
			n++
		}
	}
	return n
}

// PendingTurns returns the number of scheduled turns.
func (s *Service) PendingTurns() int {
	return s.scheduler.Len()
}

// Close cancels pending turns and in-flight streams and waits for relays
// to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.scheduler.Close()
	s.wg.Wait()
	s.store.Close()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// rejected logs a refused turn request and returns err.
func (s *Service) rejected(conv *Conversation, err error) error {
	if errors.Is(err, ErrTurnLimitReached) {
		s.metrics.LimitReached()
		s.publish(&Event{Type: EventLimitReached, ConversationID: conv.ID})
	}
	s.logger.Debug("turn request rejected",
		"conversation_id", conv.ID,
		"error", err)
	return err
}

// runTurn opens the upstream stream for an opened turn and hands it to a
// relay goroutine. A failed call aborts the turn.
func (s *Service) runTurn(conv *Conversation, plan *turnPlan) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conv.abort(plan)
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	logger := s.logger.With(
		"conversation_id", conv.ID,
		"side", plan.side,
		"turn", plan.turn)
	logger.Debug("turn started", "prompt_length", len(plan.prompt))

	start := time.Now()
	fragments, err := s.gen.Send(s.ctx, plan.prompt, plan.key)
	if err != nil {
		defer s.wg.Done()
		s.fail(conv, plan, err, logger)
		return fmt.Errorf("turn %d for %s side: %w", plan.turn, plan.side, err)
	}

	s.publish(&Event{
		Type:           EventTurnStarted,
		ConversationID: conv.ID,
		Side:           plan.side,
		Turn:           plan.turn,
		Speaker:        plan.speaker,
	})

	go s.relay(conv, plan, fragments, start, logger)
	return nil
}

// relay forwards fragments to the acting side's channel and accumulates the
// reply. Forwarding stops once the channel is unavailable but the stream is
// always drained.
func (s *Service) relay(conv *Conversation, plan *turnPlan, fragments <-chan *agent.Fragment, start time.Time, logger *slog.Logger) {
	defer s.wg.Done()

	var (
		reply     strings.Builder
		count     int
		delivered = true
		streamErr error
	)
	for frag := range fragments {
		if frag.Err != nil {
			streamErr = frag.Err
			continue
		}
		if frag.Done || frag.Text == "" {
			continue
		}
		reply.WriteString(frag.Text)
		count++
		if delivered {
			delivered = s.channels.Send(plan.key, channel.Content(frag.Text))
			if !delivered {
				logger.Debug("channel unavailable, relaying stopped")
			}
		}
		s.metrics.Fragment(delivered)
	}

	if streamErr != nil {
		s.fail(conv, plan, streamErr, logger)
		return
	}

	message := reply.String()
	elapsed := time.Since(start)
	outcome := conv.finish(plan, message, s.maxTurns)

	s.channels.Send(plan.key, channel.Completion())

	if message == "" {
		s.metrics.TurnFinished(string(plan.side), metrics.TurnEmpty, elapsed)
		logger.Warn("turn produced no content")
	} else {
		s.metrics.TurnFinished(string(plan.side), metrics.TurnCompleted, elapsed)
		s.record(conv, plan, message, count, elapsed, logger)
		s.publish(&Event{
			Type:           EventTurnCompleted,
			ConversationID: conv.ID,
			Side:           plan.side,
			Turn:           plan.turn,
			Speaker:        plan.speaker,
			Content:        message,
		})
		logger.Info("turn completed",
			"fragments", count,
			"characters", len(message),
			"duration_ms", elapsed.Milliseconds())
	}

	switch {
	case outcome.LimitReached:
		s.metrics.LimitReached()
		s.publish(&Event{Type: EventLimitReached, ConversationID: conv.ID, Turn: plan.turn})
		logger.Info("turn limit reached", "max_turns", s.maxTurns)
	case outcome.Continue:
		next := plan.side.Other()
		s.channels.Send(plan.otherKey, channel.Thinking())
		s.scheduler.Schedule(conv.ID, plan.turn, s.turnDelay, func(token int) {
			s.scheduled(conv.ID, next, token)
		})
		// Stop may have run between finish and Schedule.
		if !conv.Active() {
			s.scheduler.Cancel(conv.ID)
		}
	}
}

// scheduled runs a deferred turn if the conversation is still waiting on
// side after turn token.
func (s *Service) scheduled(id string, side Side, token int) {
	conv, err := s.store.Get(id)
	if err != nil {
		return
	}
	plan, err := conv.begin(turnRequest{origin: originScheduled, side: side, token: token}, s.maxTurns)
	if err != nil {
		s.logger.Debug("scheduled turn skipped",
			"conversation_id", id,
			"side", side,
			"error", err)
		return
	}
	if err := s.runTurn(conv, plan); err != nil {
		s.logger.Warn("scheduled turn failed",
			"conversation_id", id,
			"side", side,
			"error", err)
	}
}

// fail aborts a turn and notifies the acting side.
func (s *Service) fail(conv *Conversation, plan *turnPlan, err error, logger *slog.Logger) {
	conv.abort(plan)

	kind := "upstream"
	if errors.Is(err, agent.ErrAuth) {
		kind = "auth"
	}
	s.metrics.UpstreamError(kind)
	s.metrics.TurnFinished(string(plan.side), metrics.TurnFailed, 0)

	s.channels.Send(plan.key, channel.Failure("The response could not be generated. Start the conversation again to retry."))
	s.publish(&Event{
		Type:           EventTurnFailed,
		ConversationID: conv.ID,
		Side:           plan.side,
		Turn:           plan.turn,
		Speaker:        plan.speaker,
		Error:          err.Error(),
	})
	logger.Error("turn failed", "error", err)
}

// record writes a completed turn to the transcript ledger.
func (s *Service) record(conv *Conversation, plan *turnPlan, message string, fragments int, elapsed time.Duration, logger *slog.Logger) {
	if s.transcripts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	err := s.transcripts.SaveTurn(ctx, &store.Turn{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Seq:            plan.turn,
		Side:           string(plan.side),
		Speaker:        plan.speaker,
		Content:        message,
		Fragments:      fragments,
		Duration:       elapsed,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		logger.Error("failed to record turn", "error", err)
	}
}

// purged drops the transcript of a purged conversation.
func (s *Service) purged(id string) {
	if s.transcripts == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	n, err := s.transcripts.DeleteConversation(ctx, id)
	if err != nil {
		s.logger.Error("failed to delete transcript",
			"conversation_id", id,
			"error", err)
		return
	}
	s.logger.Debug("transcript deleted", "conversation_id", id, "turns", n)
}

func (s *Service) publish(ev *Event) {
	if s.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events.Publish(ev.ConversationID, ev, "")
}

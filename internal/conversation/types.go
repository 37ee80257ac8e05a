// ABOUTME: Conversation state machine: sides, states, agents and turn transitions
// ABOUTME: All mutation goes through methods holding the conversation mutex

package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Side identifies one of the two fixed roles in a conversation.
type Side string

const (
	NoSide Side = ""
	Left   Side = "left"
	Right  Side = "right"
)

// ParseSide converts "left" or "right" into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Left:
		return Left, nil
	case Right:
		return Right, nil
	default:
		return NoSide, fmt.Errorf("%w: side must be left or right, got %q", ErrInvalidInput, s)
	}
}

// Other returns the opposite side.
func (s Side) Other() Side {
	switch s {
	case Left:
		return Right
	case Right:
		return Left
	default:
		return NoSide
	}
}

func (s Side) index() int {
	if s == Right {
		return 1
	}
	return 0
}

// State is the lifecycle state of a conversation.
type State int

const (
	// Idle: no turn is generating or scheduled.
	Idle State = iota
	// Generating: the speaker's turn is streaming.
	Generating
	// Waiting: the speaker's turn is scheduled after the inter-turn delay.
	Waiting
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case Waiting:
		return "waiting"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Generating, Waiting, Stopped} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Persona is the display name and instruction text of one agent.
type Persona struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Validate requires both fields to be non-blank.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: personality name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: personality prompt is required", ErrInvalidInput)
	}
	return nil
}

// Agent is one side of a conversation.
type Agent struct {
	Side       Side
	Persona    Persona
	SessionKey string

	utterances []string
}

// SessionKey derives the channel session key for a side.
func SessionKey(conversationID string, side Side) string {
	return string(side) + "_" + conversationID
}

// Conversation holds the state of one two-agent exchange.
type Conversation struct {
	ID        string
	Topic     string
	CreatedAt time.Time

	mu          sync.Mutex
	agents      [2]*Agent
	state       State
	speaker     Side // acting side, or the side expected to act next
	opener      Side
	lastSpeaker Side
	turns       int
	stoppedAt   time.Time
}

func newConversation(id string, left, right Persona, topic string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		Topic:     topic,
		CreatedAt: now,
		agents: [2]*Agent{
			{Side: Left, Persona: left, SessionKey: SessionKey(id, Left)},
			{Side: Right, Persona: right, SessionKey: SessionKey(id, Right)},
		},
	}
}

// Agent returns the agent for side.
func (c *Conversation) Agent(side Side) *Agent {
	return c.agents[side.index()]
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turns returns the number of turns taken so far.
func (c *Conversation) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// Active reports whether the conversation has not been stopped.
func (c *Conversation) Active() bool {
	return c.State() != Stopped
}

// origin says who asked for a turn.
type origin int

const (
	originStart origin = iota
	originScheduled
	originSignal
)

// turnRequest asks begin to open a turn.
type turnRequest struct {
	origin   origin
	side     Side   // ignored for originStart
	incoming string // originSignal only
	token    int    // originScheduled only: turn number the task was scheduled after
}

// turnPlan is everything a turn needs once it has been opened.
type turnPlan struct {
	turn     int
	side     Side
	speaker  string
	incoming string
	prompt   string
	key      string
	otherKey string
}

// begin is the single entry transition into Generating. It validates the
// request against the current state, reserves a turn number, records an
// incoming signal message and builds the prompt.
func (c *Conversation) begin(req turnRequest, maxTurns int) (*turnPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Stopped {
		return nil, ErrInvalidConversation
	}

	side := req.side
	switch req.origin {
	case originStart:
		if c.state != Idle {
			return nil, ErrTurnInProgress
		}
		side = c.speaker
		if side == NoSide {
			side = Left
		}
	case originScheduled:
		if c.state != Waiting || c.speaker != side || c.turns != req.token {
			return nil, ErrStaleSignal
		}
	case originSignal:
		if c.state == Generating {
			return nil, ErrTurnInProgress
		}
		if c.speaker != NoSide && c.speaker != side {
			return nil, ErrStaleSignal
		}
	}

	if maxTurns > 0 && c.turns >= maxTurns {
		c.state = Idle
		return nil, ErrTurnLimitReached
	}

	me, other := c.Agent(side), c.Agent(side.Other())

	incoming := ""
	if req.origin == originSignal {
		incoming = req.incoming
		if incoming != "" && (len(other.utterances) == 0 || other.utterances[len(other.utterances)-1] != incoming) {
			other.utterances = append(other.utterances, incoming)
			c.lastSpeaker = other.Side
		}
	}
	// An empty signal, or a restart after an empty reply, still answers the
	// other side's latest words.
	if incoming == "" && len(other.utterances) > 0 {
		incoming = other.utterances[len(other.utterances)-1]
	}
	firstTurn := len(me.utterances)+len(other.utterances) == 0

	if c.opener == NoSide {
		if incoming != "" {
			c.opener = other.Side
		} else {
			c.opener = side
		}
	}

	c.state = Generating
	c.speaker = side
	c.turns++

	prompt := BuildPrompt(PromptInput{
		Instruction: me.Persona.Prompt,
		OtherName:   other.Persona.Name,
		Topic:       c.Topic,
		Mine:        me.utterances,
		Theirs:      other.utterances,
		MineFirst:   c.opener == side,
		FirstTurn:   firstTurn,
		Incoming:    incoming,
	})

	return &turnPlan{
		turn:     c.turns,
		side:     side,
		speaker:  me.Persona.Name,
		incoming: incoming,
		prompt:   prompt,
		key:      me.SessionKey,
		otherKey: other.SessionKey,
	}, nil
}

// turnOutcome reports what finish decided.
type turnOutcome struct {
	Continue     bool
	LimitReached bool
	Stopped      bool
}

// finish records the reply of a completed turn. A non-empty reply on an
// active conversation moves to Waiting on the other side unless the turn
// limit has been reached.
func (c *Conversation) finish(plan *turnPlan, message string, maxTurns int) turnOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if message != "" {
		me := c.Agent(plan.side)
		me.utterances = append(me.utterances, message)
		c.lastSpeaker = plan.side
	}

	if c.state == Stopped {
		return turnOutcome{Stopped: true}
	}

	c.speaker = plan.side.Other()
	c.state = Idle

	if message == "" {
		return turnOutcome{}
	}
	if maxTurns > 0 && c.turns >= maxTurns {
		return turnOutcome{LimitReached: true}
	}

	c.state = Waiting
	return turnOutcome{Continue: true}
}

// abort undoes the turn reservation after a failed turn. The acting side
// stays expected so the turn can be retried.
func (c *Conversation) abort(plan *turnPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turns == plan.turn {
		c.turns--
	}
	if c.state == Stopped {
		return
	}
	c.state = Idle
	c.speaker = plan.side
}

// stop moves to Stopped. Reports false when already stopped.
func (c *Conversation) stop(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Stopped {
		return false
	}
	c.state = Stopped
	c.stoppedAt = now
	return true
}

// stoppedBefore reports whether the conversation stopped before cutoff.
func (c *Conversation) stoppedBefore(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Stopped && c.stoppedAt.Before(cutoff)
}

// AgentSnapshot is a read-only view of one agent.
type AgentSnapshot struct {
	Side       Side     `json:"side"`
	Name       string   `json:"name"`
	Prompt     string   `json:"prompt"`
	SessionKey string   `json:"sessionKey"`
	Utterances []string `json:"utterances"`
	Generating bool     `json:"generating"`
}

// Snapshot is a read-only view of a conversation.
type Snapshot struct {
	ID        string        `json:"conversationId"`
	Topic     string        `json:"topic"`
	State     State         `json:"state"`
	Active    bool          `json:"active"`
	Speaker   Side          `json:"currentSpeaker,omitempty"`
	Turns     int           `json:"turns"`
	CreatedAt time.Time     `json:"createdAt"`
	StoppedAt *time.Time    `json:"stoppedAt,omitempty"`
	Left      AgentSnapshot `json:"left"`
	Right     AgentSnapshot `json:"right"`
}

// Snapshot copies the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ID:        c.ID,
		Topic:     c.Topic,
		State:     c.state,
		Active:    c.state != Stopped,
		Speaker:   c.speaker,
		Turns:     c.turns,
		CreatedAt: c.CreatedAt,
		Left:      c.agentSnapshot(Left),
		Right:     c.agentSnapshot(Right),
	}
	if c.state == Stopped {
		t := c.stoppedAt
		snap.StoppedAt = &t
	}
	return snap
}

func (c *Conversation) agentSnapshot(side Side) AgentSnapshot {
	a := c.Agent(side)
	utterances := make([]string, len(a.utterances))
	copy(utterances, a.utterances)
	return AgentSnapshot{
		Side:       side,
		Name:       a.Persona.Name,
		Prompt:     a.Persona.Prompt,
		SessionKey: a.SessionKey,
		Utterances: utterances,
		Generating: c.state == Generating && c.speaker == side,
	}
}

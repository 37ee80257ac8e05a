// ABOUTME: Tests for the conversation state machine transitions
// ABOUTME: Covers side parsing, turn reservation, expected-speaker checks and the turn limit

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConversation() *Conversation {
	return newConversation("c1",
		Persona{Name: "A", Prompt: "p1"},
		Persona{Name: "B", Prompt: "p2"},
		"topic", time.Now())
}

func TestParseSide(t *testing.T) {
	side, err := ParseSide("left")
	require.NoError(t, err)
	assert.Equal(t, Left, side)

	side, err = ParseSide(" RIGHT ")
	require.NoError(t, err)
	assert.Equal(t, Right, side)

	_, err = ParseSide("middle")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, Right, Left.Other())
	assert.Equal(t, Left, Right.Other())
	assert.Equal(t, NoSide, NoSide.Other())
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "left_abc", SessionKey("abc", Left))
	assert.Equal(t, "right_abc", SessionKey("abc", Right))
}

func TestPersonaValidate(t *testing.T) {
	assert.NoError(t, Persona{Name: "A", Prompt: "p"}.Validate())
	assert.ErrorIs(t, Persona{Name: "", Prompt: "p"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Persona{Name: "A", Prompt: "  "}.Validate(), ErrInvalidInput)
}

func TestConversation_StartOpensWithLeft(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)

	assert.Equal(t, Left, plan.side)
	assert.Equal(t, 1, plan.turn)
	assert.Equal(t, "left_c1", plan.key)
	assert.Equal(t, "right_c1", plan.otherKey)
	assert.Contains(t, plan.prompt, "Start a conversation about this topic.")

	snap := c.Snapshot()
	assert.Equal(t, Generating, snap.State)
	assert.True(t, snap.Left.Generating)
	assert.False(t, snap.Right.Generating)
}

func TestConversation_SecondBeginWhileGeneratingFails(t *testing.T) {
	c := testConversation()

	_, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)

	_, err = c.begin(turnRequest{origin: originStart}, 0)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	_, err = c.begin(turnRequest{origin: originSignal, side: Right, incoming: "x"}, 0)
	assert.ErrorIs(t, err, ErrTurnInProgress)

	_, err = c.begin(turnRequest{origin: originSignal, side: Left, incoming: "x"}, 0)
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestConversation_FinishMovesToWaitingOnOtherSide(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)

	out := c.finish(plan, "Hello", 0)
	assert.True(t, out.Continue)

	snap := c.Snapshot()
	assert.Equal(t, Waiting, snap.State)
	assert.Equal(t, Right, snap.Speaker)
	assert.Equal(t, []string{"Hello"}, snap.Left.Utterances)
	assert.False(t, snap.Left.Generating)
	assert.False(t, snap.Right.Generating)
}

func TestConversation_ScheduledTokenMustMatch(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.finish(plan, "Hello", 0)

	_, err = c.begin(turnRequest{origin: originScheduled, side: Right, token: 7}, 0)
	assert.ErrorIs(t, err, ErrStaleSignal)

	_, err = c.begin(turnRequest{origin: originScheduled, side: Left, token: 1}, 0)
	assert.ErrorIs(t, err, ErrStaleSignal)

	next, err := c.begin(turnRequest{origin: originScheduled, side: Right, token: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello", next.incoming)
	assert.Contains(t, next.prompt, "Continue the conversation by responding to: Hello")
}

func TestConversation_SignalMustMatchExpectedSide(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.finish(plan, "Hello", 0)

	_, err = c.begin(turnRequest{origin: originSignal, side: Left, incoming: "Hello"}, 0)
	assert.ErrorIs(t, err, ErrStaleSignal)

	next, err := c.begin(turnRequest{origin: originSignal, side: Right, incoming: "Hello"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, next.turn)

	// the prior message equals the recorded reply, so it is not duplicated
	assert.Equal(t, []string{"Hello"}, c.Snapshot().Left.Utterances)
}

func TestConversation_SignalOnFreshConversationAppendsIncoming(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originSignal, side: Right, incoming: "hi there"}, 0)
	require.NoError(t, err)

	assert.Equal(t, Right, plan.side)
	assert.Equal(t, []string{"hi there"}, c.Snapshot().Left.Utterances)
	assert.Contains(t, plan.prompt, "hi there")
}

func TestConversation_EmptySignalAnswersLatestUtterance(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.finish(plan, "Hello", 0)

	next, err := c.begin(turnRequest{origin: originSignal, side: Right, incoming: ""}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello", next.incoming)
	assert.Contains(t, next.prompt, "Continue the conversation by responding to: Hello")
	assert.NotContains(t, next.prompt, "Start a conversation")
	assert.Equal(t, []string{"Hello"}, c.Snapshot().Left.Utterances)
}

func TestConversation_StartAfterEmptyReplyIsNotAnOpening(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.finish(plan, "Hello", 0)

	plan, err = c.begin(turnRequest{origin: originScheduled, side: Right, token: 1}, 0)
	require.NoError(t, err)
	require.False(t, c.finish(plan, "", 0).Continue)

	resumed, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	assert.Equal(t, Left, resumed.side)
	assert.Equal(t, 3, resumed.turn)
	assert.Contains(t, resumed.prompt, "Previous messages:\nYou: Hello\n")
	assert.Contains(t, resumed.prompt, "Continue the conversation by responding to: Hello")
	assert.NotContains(t, resumed.prompt, "Start a conversation")
}

func TestConversation_AbortRefundsTurn(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.abort(plan)

	snap := c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, 0, snap.Turns)
	assert.Equal(t, Left, snap.Speaker)

	retry, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.turn)
	assert.Equal(t, Left, retry.side)
}

func TestConversation_EmptyReplyDoesNotContinue(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)

	out := c.finish(plan, "", 0)
	assert.False(t, out.Continue)

	snap := c.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Empty(t, snap.Left.Utterances)
}

func TestConversation_TurnLimit(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 2)
	require.NoError(t, err)
	require.True(t, c.finish(plan, "one", 2).Continue)

	plan, err = c.begin(turnRequest{origin: originScheduled, side: Right, token: 1}, 2)
	require.NoError(t, err)
	out := c.finish(plan, "two", 2)
	assert.False(t, out.Continue)
	assert.True(t, out.LimitReached)

	_, err = c.begin(turnRequest{origin: originSignal, side: Left, incoming: "two"}, 2)
	assert.ErrorIs(t, err, ErrTurnLimitReached)
	assert.Equal(t, 2, c.Snapshot().Turns)
}

func TestConversation_StopIsTerminal(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)

	assert.True(t, c.stop(time.Now()))
	assert.False(t, c.stop(time.Now()))

	// the in-flight turn still records its reply but does not continue
	out := c.finish(plan, "late", 0)
	assert.True(t, out.Stopped)
	assert.False(t, out.Continue)

	snap := c.Snapshot()
	assert.Equal(t, Stopped, snap.State)
	assert.False(t, snap.Active)
	assert.NotNil(t, snap.StoppedAt)
	assert.Equal(t, []string{"late"}, snap.Left.Utterances)

	_, err = c.begin(turnRequest{origin: originStart}, 0)
	assert.ErrorIs(t, err, ErrInvalidConversation)
}

func TestConversation_ResumeAfterFailureRespondsToLastUtterance(t *testing.T) {
	c := testConversation()

	plan, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	c.finish(plan, "Hello", 0)

	plan, err = c.begin(turnRequest{origin: originScheduled, side: Right, token: 1}, 0)
	require.NoError(t, err)
	c.abort(plan)

	retry, err := c.begin(turnRequest{origin: originStart}, 0)
	require.NoError(t, err)
	assert.Equal(t, Right, retry.side)
	assert.Equal(t, "Hello", retry.incoming)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "generating", Generating.String())
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "stopped", Stopped.String())

	text, err := Waiting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "waiting", string(text))
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("generating")))
	assert.Equal(t, Generating, s)

	assert.Error(t, s.UnmarshalText([]byte("paused")))
	assert.Equal(t, Generating, s, "failed parse leaves the value unchanged")
}

// Package conversation runs turn-based conversations between two agents.
//
// # Overview
//
// A conversation has two fixed sides, left and right, each with a persona
// (display name and instruction text) and its own list of past utterances.
// The Service alternates turns between the sides: it builds the acting
// side's prompt from the shared history, opens a generation stream, relays
// every fragment to the acting side's channel and, once the stream ends,
// schedules the other side's turn after a delay.
//
// # State Machine
//
// Each conversation is in exactly one State:
//
//	Idle ──begin──▶ Generating ──finish──▶ Waiting ──timer/signal──▶ Generating ...
//	  ▲                 │                     │
//	  └─────abort───────┘                     │
//	any state ──stop──▶ Stopped (terminal)
//
// The current speaker is the acting side while Generating and the side
// expected to act next otherwise. Only that side may take the next turn,
// so at most one side is ever generating.
//
// # Scheduling
//
// The inter-turn delay is a Scheduler task keyed by conversation id. The
// task carries the turn number it was scheduled after; when it fires, the
// turn runs only if the conversation is still Waiting on that side and
// turn. Stop cancels the task, and a client signal for the expected side
// replaces it.
//
// # Events
//
// Turn lifecycle events (turn_started, turn_completed, turn_failed,
// limit_reached, stopped) are published on an EventBroadcaster keyed by
// conversation id.
//
// # Usage
//
//	svc := conversation.NewService(client, registry, conversation.Config{
//	    TurnDelay:   5 * time.Second,
//	    Transcripts: transcripts,
//	})
//	defer svc.Close()
//
//	id, err := svc.Initialize(ctx, left, right, "the weather")
//	err = svc.Start(ctx, id)
//	...
//	err = svc.Stop(ctx, id)
package conversation

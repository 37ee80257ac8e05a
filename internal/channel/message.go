// ABOUTME: Wire messages exchanged over a side's real-time channel
// ABOUTME: Server-to-client notices plus the client "response" signal

package channel

// Message types sent from the server to a client.
const (
	TypeConnected  = "connected"
	TypeThinking   = "thinking"
	TypeCompletion = "completion"
	TypeError      = "error"
)

// TypeResponse is sent by a client when its side's full message is ready.
const TypeResponse = "response"

// closedNotice is the terminal content sent before the server evicts a channel.
const closedNotice = "Connection closed"

// Message is a single server-to-client frame. Content fragments carry only
// Content; control frames carry Type (and Side for "connected").
type Message struct {
	Type    string `json:"type,omitempty"`
	Side    string `json:"side,omitempty"`
	Content string `json:"content,omitempty"`
}

// ClientMessage is a frame received from a client.
type ClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Connected is sent once when a channel opens.
func Connected(side string) Message {
	return Message{Type: TypeConnected, Side: side}
}

// Content carries one streamed text fragment.
func Content(text string) Message {
	return Message{Content: text}
}

// Thinking tells a side that the other side has started generating.
func Thinking() Message {
	return Message{Type: TypeThinking}
}

// Completion marks the end of a side's turn.
func Completion() Message {
	return Message{Type: TypeCompletion}
}

// Closed is the terminal notice sent before eviction.
func Closed() Message {
	return Message{Content: closedNotice}
}

// Failure carries an explanatory message when a turn could not complete.
func Failure(text string) Message {
	return Message{Type: TypeError, Content: text}
}

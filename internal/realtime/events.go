package realtime

// EventType discriminates the variants of Event.
type EventType string

const (
	// EventSessionReady fires once the server acknowledges our first
	// session.update, meaning voice, VAD and tools are in effect.
	EventSessionReady EventType = "session_ready"

	// EventSpeechStarted fires when server VAD detects the caller talking,
	// also while the assistant is mid-response (barge-in).
	EventSpeechStarted EventType = "speech_started"
	EventSpeechStopped EventType = "speech_stopped"

	// EventUserTranscript carries the completed transcription of one caller
	// utterance.
	EventUserTranscript EventType = "user_transcript"

	// EventAssistantTranscript carries the text of the assistant response
	// being spoken. While Final is false the Transcript is the partial
	// text accumulated so far, superseding the previous partial; Final
	// true marks the completed response.
	EventAssistantTranscript EventType = "assistant_transcript"

	// EventToolCall requests a function invocation; the result must be
	// posted back with PostToolResult.
	EventToolCall EventType = "tool_call"

	EventResponseDone EventType = "response_done"
	EventError        EventType = "error"
)

// Event is the tagged union delivered on the Events channel. Only the
// fields relevant to Type are set.
type Event struct {
	Type       EventType
	Transcript string   // user_transcript, assistant_transcript
	Final      bool     // transcript events: completed vs partial
	ToolCall   ToolCall // tool_call
	Err        error    // error
}

// ToolCall identifies one pending function invocation from the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string // raw JSON
}

// Tool is a function schema advertised to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

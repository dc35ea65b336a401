// Package realtime implements the WebSocket client for OpenAI's Realtime
// API. Caller audio is appended as base64 pcm16 at 16 kHz; the model
// answers with 24 kHz pcm16 deltas plus transcript, VAD and tool-call
// events, surfaced here as typed channels.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// Channel capacities. The audio channel absorbs response bursts; the
	// send channel decouples the 20ms caller-audio cadence from WebSocket
	// write latency.
	audioBufferSize = 64
	eventBufferSize = 32
	sendBufferSize  = 64

	// dropWarnEvery batches the overflow warning so a congested uplink
	// doesn't also flood the log.
	dropWarnEvery = 100

	// Dial retry policy. Reconnecting mid-call is pointless (the server
	// side conversation state is gone), so retries only happen here.
	maxDialAttempts = 5
	dialBackoffBase = 1 * time.Second
	dialBackoffMax  = 30 * time.Second
)

// Config carries everything needed to open a session.
type Config struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Tools        []Tool

	// BaseURL overrides the realtime endpoint, used by tests.
	BaseURL string
}

// Client is one realtime session over a single WebSocket connection.
// The zero value is not usable; construct with Dial.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	audioCh chan []byte
	eventCh chan Event
	sendCh  chan []byte

	dropped     atomic.Uint64
	dropLimiter *rate.Limiter

	mu            sync.Mutex
	assistantText string
	closed        bool

	ctx       context.Context
	cancel    context.CancelFunc
	readyOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects, configures the session, and starts the read/write loops.
// Connection failures are retried with exponential backoff, up to
// maxDialAttempts.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", baseURL, cfg.Model)
	l := logger.With("component", "realtime", "model", cfg.Model)

	var conn *websocket.Conn
	var err error
	delay := dialBackoffBase
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		conn, _, err = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + cfg.APIKey},
				"OpenAI-Beta":   []string{"realtime=v1"},
			},
		})
		if err == nil {
			break
		}
		if attempt == maxDialAttempts {
			return nil, fmt.Errorf("realtime: dial after %d attempts: %w", attempt, err)
		}
		l.Warn("realtime dial failed, retrying",
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > dialBackoffMax {
			delay = dialBackoffMax
		}
	}

	// Audio deltas can be large; lift the read limit well above the default.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	c := &Client{
		conn:        conn,
		logger:      l,
		audioCh:     make(chan []byte, audioBufferSize),
		eventCh:     make(chan Event, eventBufferSize),
		sendCh:      make(chan []byte, sendBufferSize),
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.receiveLoop()

	if err := c.sendSessionUpdate(cfg.Voice, cfg.Instructions, cfg.Tools); err != nil {
		c.Close()
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	l.Info("realtime session opened")
	return c, nil
}

// Audio returns the channel carrying the model's synthesized speech as raw
// pcm16 at 24 kHz. Closed when the session ends.
func (c *Client) Audio() <-chan []byte { return c.audioCh }

// Events returns the channel of session events. Closed when the session
// ends.
func (c *Client) Events() <-chan Event { return c.eventCh }

// Dropped reports how many caller audio chunks were discarded because the
// uplink could not keep pace.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// ── outgoing protocol messages ─────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 pcm16
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// sendSessionUpdate configures audio formats, VAD, voice, instructions and
// tools in a single session.update.
func (c *Client) sendSessionUpdate(voice, instructions string, tools []Tool) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &transcriptionParams{
			Model: "whisper-1",
		},
		TurnDetection: &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         0.4,
			PrefixPaddingMS:   200,
			SilenceDurationMS: 400,
			CreateResponse:    true,
		},
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = "auto"
	}
	return c.send(sessionUpdateMessage{Type: "session.update", Session: params})
}

// send marshals a control message and queues it, blocking until the writer
// takes it or the session ends.
func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("realtime: session closed")
	}
}

// SendAudio appends one chunk of 16 kHz pcm16 caller audio. It never
// blocks: when the send queue is full the chunk is dropped and counted.
func (c *Client) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return
	}

	select {
	case c.sendCh <- data:
	case <-c.ctx.Done():
	default:
		n := c.dropped.Add(1)
		if n%dropWarnEvery == 0 && c.dropLimiter.Allow() {
			c.logger.Warn("uplink congested, dropping caller audio", "dropped_total", n)
		}
	}
}

// TriggerGreeting asks the model to speak first. A non-empty instructions
// string steers just this one response.
func (c *Client) TriggerGreeting(instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]string{"instructions": instructions}
	}
	return c.send(msg)
}

// CancelResponse aborts the in-flight model response (barge-in).
func (c *Client) CancelResponse() error {
	return c.send(map[string]string{"type": "response.cancel"})
}

// PostToolResult returns a function result to the model and triggers the
// follow-up response.
func (c *Client) PostToolResult(callID, output string) error {
	if err := c.send(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return c.send(map[string]string{"type": "response.create"})
}

// UpdateSession replaces the instructions and, when non-empty, the tool
// set mid-session.
func (c *Client) UpdateSession(instructions string, tools []Tool) error {
	params := sessionParams{
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = "auto"
	}
	return c.send(sessionUpdateMessage{Type: "session.update", Session: params})
}

// Close ends the session and closes the Audio and Events channels.
// Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
		c.wg.Wait()
		close(c.audioCh)
		close(c.eventCh)
		c.logger.Info("realtime session closed", "dropped_chunks", c.dropped.Load())
	})
	return nil
}

// writeLoop serializes all WebSocket writes.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendCh:
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("realtime write failed", "error", err)
				}
				return
			}
		}
	}
}

// ── incoming protocol messages ─────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// receiveLoop reads server events until the connection drops or the
// session is closed.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("realtime connection lost", "error", err)
			c.emit(Event{Type: EventError, Err: fmt.Errorf("realtime: connection lost: %w", err)})
			c.cancel()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Debug("unparseable realtime event", "error", err)
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		c.logger.Debug("session created")

	case "session.updated":
		// Only the first acknowledgement marks the session ready;
		// later ones come from mid-call instruction updates.
		c.readyOnce.Do(func() {
			c.emit(Event{Type: EventSessionReady})
		})

	case "input_audio_buffer.speech_started":
		c.emit(Event{Type: EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		c.emit(Event{Type: EventSpeechStopped})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		select {
		case c.audioCh <- pcm:
		case <-c.ctx.Done():
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		c.mu.Lock()
		c.assistantText += evt.Delta
		text := c.assistantText
		c.mu.Unlock()
		c.emit(Event{Type: EventAssistantTranscript, Transcript: text, Final: false})

	case "response.audio_transcript.done":
		c.mu.Lock()
		text := c.assistantText
		c.assistantText = ""
		c.mu.Unlock()
		if text != "" {
			c.emit(Event{Type: EventAssistantTranscript, Transcript: text, Final: true})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			c.emit(Event{Type: EventUserTranscript, Transcript: evt.Transcript, Final: true})
		}

	case "response.function_call_arguments.done":
		c.emit(Event{Type: EventToolCall, ToolCall: ToolCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		}})

	case "response.done":
		c.emit(Event{Type: EventResponseDone})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(Event{Type: EventError, Err: fmt.Errorf("realtime: %s", msg)})

	default:
		c.logger.Debug("unhandled realtime event", "type", evt.Type)
	}
}

// emit delivers an event, blocking until the consumer takes it or the
// session ends. Events carry control-flow (barge-in, tool calls) and must
// not be silently dropped.
func (c *Client) emit(evt Event) {
	select {
	case c.eventCh <- evt:
	case <-c.ctx.Done():
	}
}

// Package call owns the per-call state machine: it wires the SIP leg, the
// audio transcoder, the realtime AI session, and the tool dispatcher
// together and broadcasts the call lifecycle to observers.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shkvoice/shkvoice/internal/audio"
	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/config"
	"github.com/shkvoice/shkvoice/internal/order"
	"github.com/shkvoice/shkvoice/internal/prompts"
	"github.com/shkvoice/shkvoice/internal/realtime"
	"github.com/shkvoice/shkvoice/internal/sip"
	"github.com/shkvoice/shkvoice/internal/store"
	"github.com/shkvoice/shkvoice/internal/tools"
)

const (
	// inputRate is what the realtime session expects on its uplink.
	inputRate = 16000
	// outputRate is what the realtime session produces on its downlink.
	outputRate = 24000
	// frameInterval is the outbound pacing cadence toward RTP.
	frameInterval = 20 * time.Millisecond

	greetingDelay = 1 * time.Second
	defaultVoice  = "marin"
)

// Broadcaster fans a typed message out to all connected observers. The
// event hub satisfies this; the orchestrator never learns about
// individual connections.
type Broadcaster interface {
	Broadcast(msgType string, fields map[string]any)
}

// Recorder is the slice of the store the orchestrator needs. Nil-able for
// tests.
type Recorder interface {
	CreateCallRecord(ctx context.Context, rec *store.CallRecord) error
	FinishCallRecord(ctx context.Context, id int64, endTime time.Time, disposition string, transcripts, orderItems int) error
}

// Orchestrator manages the process-wide singleton active call.
type Orchestrator struct {
	cfg        *config.Config
	settings   *config.SettingsStore
	sipClient  *sip.Client
	admission  *sip.Admission
	dispatcher *tools.Dispatcher
	orders     *order.Manager
	records    Recorder
	hub        Broadcaster
	logger     *slog.Logger

	// mu guards active and reserved. reserved is set while an admitted
	// INVITE is being activated, so a concurrent second INVITE sees the
	// line as busy before active is assigned.
	mu       sync.Mutex
	active   *session
	reserved bool

	muted        atomic.Bool
	shuttingDown atomic.Bool

	instructionsMu sync.RWMutex
	instructions   string
}

// session is the live state of one active call.
type session struct {
	call     *sip.Call
	rt       *realtime.Client
	outbound *audio.FrameQueue
	recordID int64

	// bargeMu makes the barge-in flush atomic with respect to the
	// outbound worker: no frame popped before the flush may be sent
	// after the cancel.
	bargeMu sync.Mutex

	// toolMu serializes tool execution so a result is always posted
	// before the next call of the same turn runs.
	toolMu sync.Mutex

	transcripts atomic.Int64
	greeting    *time.Timer
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New wires the orchestrator into the SIP client, the dispatcher, and the
// order manager. records and hub may be nil.
func New(cfg *config.Config, settings *config.SettingsStore, sipClient *sip.Client, admission *sip.Admission, dispatcher *tools.Dispatcher, orders *order.Manager, records Recorder, hub Broadcaster, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		settings:     settings,
		sipClient:    sipClient,
		admission:    admission,
		dispatcher:   dispatcher,
		orders:       orders,
		records:      records,
		hub:          hub,
		logger:       logger.With("component", "call"),
		instructions: prompts.Assistant,
	}

	sipClient.OnIncoming = o.onIncoming
	sipClient.OnEnded = o.onEnded
	dispatcher.OnDomainChange = o.onDomainChange
	orders.OnChange(func(ord order.Order) {
		o.broadcast("order_update", map[string]any{
			"caller_id":  ord.CallerID,
			"items":      ord.Items,
			"item_count": len(ord.Items),
		})
	})
	return o
}

// onIncoming runs on the SIP transaction goroutine. It must either accept
// or reject before returning.
func (o *Orchestrator) onIncoming(c *sip.Call) {
	log := o.logger.With("call_id", c.ID, "remote_ip", c.RemoteIP)

	if o.shuttingDown.Load() {
		log.Info("rejecting call, shutting down")
		o.sipClient.Reject(c, 503, "Service Unavailable")
		return
	}

	verdict := o.admission.Check(c.RemoteIP, c.RemoteURI)
	if !verdict.Allowed {
		log.Warn("call rejected by admission filter", "rule", verdict.Rule)
		o.broadcast("call_rejected", map[string]any{
			"remote_ip": c.RemoteIP,
			"caller":    c.RemoteURI,
			"reason":    "admission",
		})
		o.sipClient.Reject(c, 403, "Forbidden")
		return
	}

	o.mu.Lock()
	if o.active != nil || o.reserved {
		o.mu.Unlock()
		log.Info("rejecting call, line busy")
		o.broadcast("call_rejected", map[string]any{
			"remote_ip": c.RemoteIP,
			"caller":    c.RemoteURI,
			"reason":    "busy",
		})
		o.sipClient.Reject(c, 486, "Busy Here")
		return
	}
	o.reserved = true
	o.mu.Unlock()

	o.broadcast("call_incoming", map[string]any{
		"call_id": c.ID,
		"caller":  c.RemoteURI,
	})

	if err := o.activate(c); err != nil {
		o.mu.Lock()
		o.reserved = false
		o.mu.Unlock()
		log.Error("activating call", "error", err)
		o.sipClient.Reject(c, 500, "Server Internal Error")
	}
}

// activate answers the call and brings up the realtime session.
func (o *Orchestrator) activate(c *sip.Call) error {
	log := o.logger.With("call_id", c.ID)
	set := o.settings.Get()

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := realtime.Dial(ctx, realtime.Config{
		APIKey:       o.cfg.OpenAIKey,
		Model:        set.Model,
		Voice:        defaultVoice,
		Instructions: o.Instructions(),
		Tools:        tools.Schemas(),
	}, o.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("dialing realtime session: %w", err)
	}

	s := &session{
		call:     c,
		rt:       rt,
		outbound: audio.NewFrameQueue(audio.DefaultQueueFrames),
		cancel:   cancel,
	}

	if err := o.sipClient.Accept(c, func(pcm []int16) {
		o.forwardInbound(s, pcm)
	}); err != nil {
		rt.Close()
		cancel()
		return fmt.Errorf("accepting call: %w", err)
	}

	o.mu.Lock()
	o.active = s
	o.reserved = false
	o.mu.Unlock()

	o.orders.Start(c.RemoteURI)

	if o.records != nil {
		rec := &store.CallRecord{
			CallID:    c.SIPCallID,
			RemoteURI: c.RemoteURI,
			RemoteIP:  c.RemoteIP,
			StartTime: c.StartTime,
		}
		if err := o.records.CreateCallRecord(ctx, rec); err != nil {
			log.Warn("creating call record", "error", err)
		} else {
			s.recordID = rec.ID
		}
	}

	// call_active goes out before the event loop can emit transcripts.
	o.broadcast("call_active", map[string]any{
		"call_id": c.ID,
		"caller":  c.RemoteURI,
		"codec":   c.Codec().Name,
	})

	s.wg.Add(3)
	go o.eventLoop(ctx, s)
	go o.downlinkPump(ctx, s)
	go o.outboundWorker(ctx, s)

	s.greeting = time.AfterFunc(greetingDelay, func() {
		if err := rt.TriggerGreeting(prompts.Greeting); err != nil {
			log.Warn("triggering greeting", "error", err)
		}
	})

	log.Info("call active", "codec", c.Codec().Name)
	return nil
}

// forwardInbound pushes caller audio up to the AI session. Runs on the RTP
// receive goroutine; no buffering in between.
func (o *Orchestrator) forwardInbound(s *session, pcm []int16) {
	if o.muted.Load() {
		return
	}
	rate := s.call.Codec().ClockRate
	if rate == 0 {
		rate = 8000
	}
	up := audio.Resample(pcm, rate, inputRate)
	s.rt.SendAudio(audio.S16ToBytes(up))
}

// downlinkPump splits the AI audio stream into 20 ms frames on the
// outbound queue.
func (o *Orchestrator) downlinkPump(ctx context.Context, s *session) {
	defer s.wg.Done()

	samplesPerFrame := outputRate * int(frameInterval.Milliseconds()) / 1000
	var pending []int16

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-s.rt.Audio():
			if !ok {
				return
			}
			pending = append(pending, audio.BytesToS16(buf)...)
			for len(pending) >= samplesPerFrame {
				frame := make([]int16, samplesPerFrame)
				copy(frame, pending[:samplesPerFrame])
				pending = pending[samplesPerFrame:]
				s.outbound.Push(audio.Frame{
					PCM:      frame,
					Rate:     outputRate,
					BitDepth: 16,
				})
			}
		}
	}
}

// outboundWorker paces AI audio toward RTP on a wall-clock cadence.
// Draining faster would underrun the caller's jitter buffer.
func (o *Orchestrator) outboundWorker(ctx context.Context, s *session) {
	defer s.wg.Done()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	rate := s.call.Codec().ClockRate
	if rate == 0 {
		rate = 8000
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bargeMu.Lock()
			frame, ok := s.outbound.Pop()
			if ok {
				down := audio.Resample(frame.PCM, frame.Rate, rate)
				if err := s.call.SendAudio(down); err != nil {
					o.logger.Debug("sending outbound audio", "error", err)
				}
			}
			s.bargeMu.Unlock()
		}
	}
}

// eventLoop consumes the realtime event stream.
func (o *Orchestrator) eventLoop(ctx context.Context, s *session) {
	defer s.wg.Done()
	log := o.logger.With("call_id", s.call.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.rt.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case realtime.EventSessionReady:
				log.Debug("realtime session ready")

			case realtime.EventSpeechStarted:
				o.bargeIn(s)
				o.broadcast("debug_event", map[string]any{"event": "speech_started"})

			case realtime.EventSpeechStopped:
				o.broadcast("debug_event", map[string]any{"event": "speech_stopped"})

			case realtime.EventUserTranscript:
				s.transcripts.Add(1)
				o.broadcast("transcript", map[string]any{
					"role":  "user",
					"text":  evt.Transcript,
					"final": true,
				})

			case realtime.EventAssistantTranscript:
				// Partials carry the accumulated text so far; each one
				// replaces the previous segment on the observer side.
				if evt.Final {
					s.transcripts.Add(1)
				}
				o.broadcast("transcript", map[string]any{
					"role":  "assistant",
					"text":  evt.Transcript,
					"final": evt.Final,
				})

			case realtime.EventToolCall:
				go o.runTool(ctx, s, evt.ToolCall)

			case realtime.EventResponseDone:
				o.broadcast("debug_event", map[string]any{"event": "response_done"})

			case realtime.EventError:
				log.Error("realtime session failed", "error", evt.Err)
				o.broadcast("error", map[string]any{"message": evt.Err.Error()})
				go o.Hangup("ai-error")
			}
		}
	}
}

// bargeIn drops all buffered assistant audio and cancels the in-flight
// response. The flush and the cancel happen under the same lock as the
// outbound worker, so no stale frame escapes after the cancel.
func (o *Orchestrator) bargeIn(s *session) {
	s.bargeMu.Lock()
	flushed := s.outbound.Flush()
	err := s.rt.CancelResponse()
	s.bargeMu.Unlock()

	if err != nil {
		o.logger.Debug("cancelling response", "error", err)
	}
	o.logger.Debug("barge-in", "flushed_frames", flushed)
}

// runTool executes one tool call and posts the result back. toolMu keeps
// results in call order.
func (o *Orchestrator) runTool(ctx context.Context, s *session, tc realtime.ToolCall) {
	s.toolMu.Lock()
	defer s.toolMu.Unlock()

	log := o.logger.With("tool", tc.Name, "tool_call_id", tc.CallID)
	log.Info("tool call")

	if tc.Name == "ask_expert" {
		o.broadcast("expert_query_start", map[string]any{"tool_call_id": tc.CallID})
	}
	started := time.Now()
	result := o.dispatcher.Dispatch(ctx, tc.Name, tc.Arguments)
	if tc.Name == "ask_expert" {
		fields := map[string]any{
			"tool_call_id": tc.CallID,
			"latency_ms":   time.Since(started).Milliseconds(),
		}
		if ans, ok := o.dispatcher.LastExpertAnswer(); ok {
			fields["success"] = ans.Success
			fields["confidence"] = ans.Confidence
			fields["model"] = ans.Model
		} else {
			// The consultant was never reached; the caller got the
			// unavailable text.
			fields["success"] = false
			fields["confidence"] = 0.0
		}
		o.broadcast("expert_query_done", fields)
	}

	o.broadcast("debug_event", map[string]any{
		"event": "tool_result",
		"tool":  tc.Name,
	})

	if err := s.rt.PostToolResult(tc.CallID, result); err != nil {
		log.Warn("posting tool result", "error", err)
	}
}

// onDomainChange re-instructs the live session when a tool switches the
// product domain.
func (o *Orchestrator) onDomainChange(d catalog.Domain) {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return
	}

	instr := o.Instructions() + "\n\n" + d.Instructions
	if err := s.rt.UpdateSession(instr, tools.Schemas()); err != nil {
		o.logger.Warn("updating session for domain", "domain", d.Key, "error", err)
		return
	}
	o.broadcast("debug_event", map[string]any{
		"event":  "domain_changed",
		"domain": d.Key,
		"title":  d.Title,
	})
}

// onEnded tears the session down after the SIP leg is gone, whatever
// ended it.
func (o *Orchestrator) onEnded(c *sip.Call, reason string) {
	o.mu.Lock()
	s := o.active
	if s == nil || s.call != c {
		o.mu.Unlock()
		return
	}
	o.active = nil
	o.mu.Unlock()

	if s.greeting != nil {
		s.greeting.Stop()
	}
	s.rt.Close()
	s.cancel()
	s.wg.Wait()

	transcripts := int(s.transcripts.Load())
	ord, _ := o.orders.Get()

	if o.records != nil && s.recordID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.records.FinishCallRecord(ctx, s.recordID, time.Now(), reason, transcripts, len(ord.Items)); err != nil {
			o.logger.Warn("finishing call record", "error", err)
		}
		cancel()
	}

	o.dispatcher.Reset()
	o.orders.Clear()

	// All transcript broadcasts are done: the event loop has exited.
	o.broadcast("call_ended", map[string]any{
		"call_id":     c.ID,
		"reason":      reason,
		"transcripts": transcripts,
		"order_items": len(ord.Items),
	})
	o.logger.Info("call ended", "call_id", c.ID, "reason", reason, "transcripts", transcripts)
}

// Accept confirms the active call. Calls are answered automatically, so
// this only reports whether a call is up; it exists for operator
// tooling symmetry with Hangup.
func (o *Orchestrator) Accept() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return fmt.Errorf("no ringing or active call")
	}
	return nil
}

// Hangup ends the active call on operator request. Returns an error when
// no call is active.
func (o *Orchestrator) Hangup(reason string) error {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no active call")
	}
	o.logger.Info("hanging up", "call_id", s.call.ID, "reason", reason)
	return o.sipClient.Hangup(s.call)
}

// Mute stops forwarding caller audio to the AI. The RTP leg keeps
// flowing.
func (o *Orchestrator) Mute()   { o.muted.Store(true) }
func (o *Orchestrator) Unmute() { o.muted.Store(false) }

// Muted reports whether the uplink is muted.
func (o *Orchestrator) Muted() bool { return o.muted.Load() }

// Instructions returns the current base instruction set.
func (o *Orchestrator) Instructions() string {
	o.instructionsMu.RLock()
	defer o.instructionsMu.RUnlock()
	return o.instructions
}

// SetInstructions replaces the base instructions for this process run.
// Deliberately not persisted; a restart falls back to the built-in text.
// A live session is re-instructed immediately.
func (o *Orchestrator) SetInstructions(text string) {
	o.instructionsMu.Lock()
	o.instructions = text
	o.instructionsMu.Unlock()

	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s != nil {
		if err := s.rt.UpdateSession(text, tools.Schemas()); err != nil {
			o.logger.Warn("updating live session instructions", "error", err)
		}
	}
}

// Status is the call slice of GET /status.
type Status struct {
	Active     bool   `json:"active"`
	CallID     string `json:"call_id,omitempty"`
	Caller     string `json:"caller,omitempty"`
	Codec      string `json:"codec,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	Muted      bool   `json:"muted"`
	FrameDrops uint64 `json:"frame_drops"`
}

// Status returns a snapshot of the active call, if any.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()

	st := Status{Muted: o.muted.Load()}
	if s == nil {
		return st
	}
	st.Active = true
	st.CallID = s.call.ID
	st.Caller = s.call.RemoteURI
	st.Codec = s.call.Codec().Name
	st.StartedAt = s.call.StartTime.UTC().Format(time.RFC3339)
	st.FrameDrops = s.outbound.Dropped()
	return st
}

// RTPStats returns the media counters of the active call, zero when idle.
func (o *Orchestrator) RTPStats() sip.RTPStats {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return sip.RTPStats{}
	}
	return s.call.Stats()
}

// AIDrops returns the count of caller audio chunks dropped toward the AI
// session.
func (o *Orchestrator) AIDrops() uint64 {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.rt.Dropped()
}

// Shutdown refuses new calls and hangs up the active one. The SIP client
// is stopped by the caller afterwards.
func (o *Orchestrator) Shutdown() {
	o.shuttingDown.Store(true)
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s != nil {
		o.sipClient.Hangup(s.call)
	}
}

// broadcast is nil-safe for tests without a hub.
func (o *Orchestrator) broadcast(msgType string, fields map[string]any) {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(msgType, fields)
}

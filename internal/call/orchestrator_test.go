package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/shkvoice/shkvoice/internal/audio"
	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/expert"
	"github.com/shkvoice/shkvoice/internal/order"
	"github.com/shkvoice/shkvoice/internal/prompts"
	"github.com/shkvoice/shkvoice/internal/realtime"
	"github.com/shkvoice/shkvoice/internal/sip"
	"github.com/shkvoice/shkvoice/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockRealtimeServer accepts one WebSocket session and records every
// client message by type. Server-to-client events are written via send.
type mockRealtimeServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
	ready    chan struct{}
}

func newMockRealtimeServer(t *testing.T) *mockRealtimeServer {
	t.Helper()
	m := &mockRealtimeServer{ready: make(chan struct{})}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		close(m.ready)

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				m.mu.Lock()
				m.received = append(m.received, msg)
				m.mu.Unlock()
			}
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockRealtimeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockRealtimeServer) send(t *testing.T, v any) {
	t.Helper()
	select {
	case <-m.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// waitForMessage polls until a client message of the given type arrives.
func (m *mockRealtimeServer) waitForMessage(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		for _, msg := range m.received {
			if msg["type"] == msgType {
				m.mu.Unlock()
				return msg
			}
		}
		m.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("no %q message received", msgType)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func dialMock(t *testing.T, m *mockRealtimeServer) *realtime.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt, err := realtime.Dial(ctx, realtime.Config{
		APIKey:  "test-key",
		Model:   "gpt-realtime",
		BaseURL: m.wsURL(),
	}, discardLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func newTestOrchestrator() *Orchestrator {
	return &Orchestrator{
		orders:       order.NewManager(),
		logger:       discardLogger(),
		instructions: prompts.Assistant,
	}
}

// recordingHub captures broadcasts for assertions.
type recordingHub struct {
	mu   sync.Mutex
	msgs []recordedMsg
}

type recordedMsg struct {
	msgType string
	fields  map[string]any
}

func (h *recordingHub) Broadcast(msgType string, fields map[string]any) {
	h.mu.Lock()
	h.msgs = append(h.msgs, recordedMsg{msgType: msgType, fields: fields})
	h.mu.Unlock()
}

func (h *recordingHub) find(msgType string) (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m.msgType == msgType {
			return m.fields, true
		}
	}
	return nil, false
}

type stubExpert struct {
	ans expert.Answer
	err error
}

func (s *stubExpert) Ask(context.Context, string, string) (expert.Answer, error) {
	return s.ans, s.err
}

func emptyCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "_index.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Open(dir, discardLogger())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	return cat
}

func TestInstructionsDefaultAndOverride(t *testing.T) {
	o := newTestOrchestrator()
	if o.Instructions() != prompts.Assistant {
		t.Error("default instructions are not the built-in text")
	}

	o.SetInstructions("Du bist heute besonders knapp.")
	if got := o.Instructions(); got != "Du bist heute besonders knapp." {
		t.Errorf("Instructions() = %q after override", got)
	}
}

func TestStatusIdle(t *testing.T) {
	o := newTestOrchestrator()
	st := o.Status()
	if st.Active {
		t.Error("idle orchestrator reports an active call")
	}
	if st.Muted {
		t.Error("fresh orchestrator is muted")
	}
	if stats := o.RTPStats(); stats.PacketsIn != 0 || stats.PacketsOut != 0 {
		t.Errorf("idle RTP stats = %+v", stats)
	}
}

func TestMuteUnmute(t *testing.T) {
	o := newTestOrchestrator()
	o.Mute()
	if !o.Muted() {
		t.Error("Mute did not take effect")
	}
	o.Unmute()
	if o.Muted() {
		t.Error("Unmute did not take effect")
	}
}

func TestHangupWithoutCall(t *testing.T) {
	o := newTestOrchestrator()
	if err := o.Hangup("operator"); err == nil {
		t.Error("Hangup with no active call should fail")
	}
}

func TestBargeInFlushesBeforeCancel(t *testing.T) {
	m := newMockRealtimeServer(t)
	rt := dialMock(t, m)

	o := newTestOrchestrator()
	s := &session{
		call:     &sip.Call{ID: "test"},
		rt:       rt,
		outbound: audio.NewFrameQueue(8),
	}
	for i := 0; i < 5; i++ {
		s.outbound.Push(audio.Frame{PCM: make([]int16, 480), Rate: 24000, BitDepth: 16})
	}

	o.bargeIn(s)

	if n := s.outbound.Len(); n != 0 {
		t.Errorf("outbound queue holds %d frames after barge-in, want 0", n)
	}
	m.waitForMessage(t, "response.cancel")
}

func TestDownlinkPumpFraming(t *testing.T) {
	m := newMockRealtimeServer(t)
	rt := dialMock(t, m)

	o := newTestOrchestrator()
	s := &session{
		call:     &sip.Call{ID: "test"},
		rt:       rt,
		outbound: audio.NewFrameQueue(8),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.wg.Add(1)
	go o.downlinkPump(ctx, s)

	// 960 samples of 24 kHz pcm16 is exactly two 20 ms frames.
	pcm := make([]byte, 960*2)
	m.send(t, map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})

	deadline := time.After(2 * time.Second)
	for s.outbound.Len() < 2 {
		select {
		case <-deadline:
			t.Fatalf("outbound queue has %d frames, want 2", s.outbound.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	frame, ok := s.outbound.Pop()
	if !ok {
		t.Fatal("queue empty")
	}
	if len(frame.PCM) != 480 || frame.Rate != 24000 {
		t.Errorf("frame = %d samples at %d Hz, want 480 at 24000", len(frame.PCM), frame.Rate)
	}

	cancel()
	s.wg.Wait()
}

func TestRunToolPostsResult(t *testing.T) {
	m := newMockRealtimeServer(t)
	rt := dialMock(t, m)

	o := newTestOrchestrator()
	o.dispatcher = tools.NewDispatcher(emptyCatalog(t), o.orders, nil, discardLogger())

	s := &session{call: &sip.Call{ID: "test"}, rt: rt, outbound: audio.NewFrameQueue(8)}
	o.runTool(context.Background(), s, realtime.ToolCall{
		CallID:    "call_1",
		Name:      "no_such_tool",
		Arguments: `{}`,
	})

	msg := m.waitForMessage(t, "conversation.item.create")
	item, _ := msg["item"].(map[string]any)
	if item["call_id"] != "call_1" {
		t.Errorf("function_call_output = %v", item)
	}
	output, _ := item["output"].(string)
	if !strings.Contains(output, "Unknown function") {
		t.Errorf("output = %q, want unknown-function text", output)
	}
	// The follow-up response must be requested after the result.
	m.waitForMessage(t, "response.create")
}

func TestExpertQueryDoneCarriesOutcome(t *testing.T) {
	m := newMockRealtimeServer(t)
	rt := dialMock(t, m)

	exp := &stubExpert{ans: expert.Answer{
		Answer:     "Das kann ich Ihnen am Telefon leider nicht verbindlich beantworten.",
		Confidence: 0.45,
		Success:    false,
		Model:      "gpt-5-mini",
	}}
	hub := &recordingHub{}
	o := newTestOrchestrator()
	o.hub = hub
	o.dispatcher = tools.NewDispatcher(emptyCatalog(t), o.orders, exp, discardLogger())

	s := &session{call: &sip.Call{ID: "test"}, rt: rt, outbound: audio.NewFrameQueue(8)}
	o.runTool(context.Background(), s, realtime.ToolCall{
		CallID:    "call_1",
		Name:      "ask_expert",
		Arguments: `{"frage":"Welche Norm gilt für Trinkwasser-Installationen?"}`,
	})

	if _, ok := hub.find("expert_query_start"); !ok {
		t.Error("no expert_query_start broadcast")
	}
	fields, ok := hub.find("expert_query_done")
	if !ok {
		t.Fatal("no expert_query_done broadcast")
	}
	if success, _ := fields["success"].(bool); success {
		t.Errorf("success = %v, want false", fields["success"])
	}
	if conf, _ := fields["confidence"].(float64); conf != 0.45 {
		t.Errorf("confidence = %v, want 0.45", fields["confidence"])
	}
	if fields["model"] != "gpt-5-mini" {
		t.Errorf("model = %v", fields["model"])
	}
	if _, ok := fields["latency_ms"]; !ok {
		t.Error("expert_query_done misses latency_ms")
	}

	// The deflection text still reaches the model as the tool result.
	msg := m.waitForMessage(t, "conversation.item.create")
	item, _ := msg["item"].(map[string]any)
	output, _ := item["output"].(string)
	if !strings.Contains(output, "nicht verbindlich") {
		t.Errorf("tool output = %q", output)
	}
}

func TestExpertQueryDoneOnTransportFailure(t *testing.T) {
	m := newMockRealtimeServer(t)
	rt := dialMock(t, m)

	exp := &stubExpert{err: context.DeadlineExceeded}
	hub := &recordingHub{}
	o := newTestOrchestrator()
	o.hub = hub
	o.dispatcher = tools.NewDispatcher(emptyCatalog(t), o.orders, exp, discardLogger())

	s := &session{call: &sip.Call{ID: "test"}, rt: rt, outbound: audio.NewFrameQueue(8)}
	o.runTool(context.Background(), s, realtime.ToolCall{
		CallID:    "call_2",
		Name:      "ask_expert",
		Arguments: `{"frage":"Frage"}`,
	})

	fields, ok := hub.find("expert_query_done")
	if !ok {
		t.Fatal("no expert_query_done broadcast")
	}
	if success, _ := fields["success"].(bool); success {
		t.Error("unreachable consultant reported success")
	}
	if conf, _ := fields["confidence"].(float64); conf != 0 {
		t.Errorf("confidence = %v, want 0", fields["confidence"])
	}
}

package expert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"

	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPickModel(t *testing.T) {
	cfg := config.ExpertConfig{
		EnabledModels: []string{"gpt-5-mini", "gpt-5", "o3"},
		DefaultModel:  "gpt-5-mini",
		MinConfidence: 0.6,
	}

	tests := []struct {
		urgency string
		want    string
	}{
		{"fast", "gpt-5-mini"},
		{"thorough", "o3"},
		{"normal", "gpt-5-mini"},
		{"", "gpt-5-mini"},
	}
	for _, tt := range tests {
		if got := pickModel(tt.urgency, cfg); got != tt.want {
			t.Errorf("pickModel(%q) = %q, want %q", tt.urgency, got, tt.want)
		}
	}

	// Thorough falls through to the best enabled model when o3 is off.
	cfg.EnabledModels = []string{"gpt-5-mini", "gpt-5"}
	if got := pickModel("thorough", cfg); got != "gpt-5" {
		t.Errorf("pickModel(thorough) without o3 = %q, want gpt-5", got)
	}

	// Empty config still yields something usable.
	if got := pickModel("fast", config.ExpertConfig{DefaultModel: "gpt-5-mini"}); got != "gpt-5-mini" {
		t.Errorf("pickModel with empty enabled list = %q, want gpt-5-mini", got)
	}
}

func TestDecodeAnswer(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		wantAnswer     string
		wantConfidence float64
	}{
		{
			name:           "well-formed",
			content:        `{"answer":"Ja, zugelassen.","confidence":0.92,"reasoning":"DVGW-Zulassung","article_numbers":["294540"]}`,
			wantAnswer:     "Ja, zugelassen.",
			wantConfidence: 0.92,
		},
		{
			name:           "plain text wrapped at 0.5",
			content:        "Das hängt vom Einsatzfall ab.",
			wantAnswer:     "Das hängt vom Einsatzfall ab.",
			wantConfidence: 0.5,
		},
		{
			name:           "confidence clamped",
			content:        `{"answer":"x","confidence":3.0}`,
			wantAnswer:     "x",
			wantConfidence: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans := decodeAnswer(tt.content)
			if ans.Answer != tt.wantAnswer {
				t.Errorf("answer = %q, want %q", ans.Answer, tt.wantAnswer)
			}
			if ans.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", ans.Confidence, tt.wantConfidence)
			}
		})
	}
}

// fakeRecorder captures recorded queries.
type fakeRecorder struct {
	records []QueryRecord
}

func (f *fakeRecorder) RecordExpertQuery(ctx context.Context, rec QueryRecord) error {
	f.records = append(f.records, rec)
	return nil
}

// newTestClient wires a Client against a mock chat-completions endpoint
// that always returns content.
func newTestClient(t *testing.T, content string, rec Recorder) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": content,
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "_index.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Open(dir, discardLogger())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}

	settings := config.OpenSettings(filepath.Join(t.TempDir(), "settings.json"), discardLogger())
	kb := OpenKnowledge(dir, discardLogger())
	docs := OpenDocuments(dir, discardLogger())

	return New("test-key", cat, kb, docs, settings, rec, discardLogger(),
		option.WithBaseURL(srv.URL))
}

func TestAskHighConfidence(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestClient(t, `{"answer":"Ja, Profipress ist DVGW-zugelassen.","confidence":0.9}`, rec)

	ans, err := c.Ask(context.Background(), "Ist Profipress für Trinkwasser zugelassen?", "normal")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ans.Success {
		t.Error("expected success for confidence 0.9")
	}
	if ans.Answer != "Ja, Profipress ist DVGW-zugelassen." {
		t.Errorf("answer = %q", ans.Answer)
	}
	if len(rec.records) != 1 || !rec.records[0].Success {
		t.Errorf("recorded = %+v, want one successful record", rec.records)
	}
}

func TestAskLowConfidenceDeflects(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestClient(t, `{"answer":"Vermutlich nicht.","confidence":0.45}`, rec)

	ans, err := c.Ask(context.Background(), "Darf Megapress für Trinkwasser?", "normal")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Success {
		t.Error("expected success=false below the confidence threshold")
	}
	if ans.Answer != deflection {
		t.Errorf("answer = %q, want deflection template", ans.Answer)
	}
	if ans.Confidence != 0.45 {
		t.Errorf("confidence = %v, want 0.45 preserved", ans.Confidence)
	}
	if len(rec.records) != 1 || rec.records[0].Success {
		t.Errorf("recorded = %+v, want one unsuccessful record", rec.records)
	}
}

func TestAskMalformedJSONWrapped(t *testing.T) {
	c := newTestClient(t, "Kommt darauf an.", nil)

	ans, err := c.Ask(context.Background(), "Frage", "fast")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 for unstructured output", ans.Confidence)
	}
	// 0.5 is below the default 0.6 threshold.
	if ans.Success {
		t.Error("expected success=false for wrapped raw text")
	}
}

func TestAnalyzeDocumentation(t *testing.T) {
	pdfSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 datasheet"))
	}))
	t.Cleanup(pdfSrv.Close)

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": "Max. Betriebsdruck 16 bar, max. 110 °C.",
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(apiSrv.Close)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "_index.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	docIndex := `{"294540": ["` + pdfSrv.URL + `/datenblatt.pdf"]}`
	if err := os.WriteFile(filepath.Join(dir, "_dokumente_index.json"), []byte(docIndex), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := catalog.Open(dir, discardLogger())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	settings := config.OpenSettings(filepath.Join(t.TempDir(), "settings.json"), discardLogger())
	c := New("test-key", cat, OpenKnowledge(dir, discardLogger()), OpenDocuments(dir, discardLogger()),
		settings, nil, discardLogger(), option.WithBaseURL(apiSrv.URL))

	got := c.analyzeDocumentation(context.Background(), "gpt-5", "294540", "Welcher Betriebsdruck ist zulässig?")
	if got != "Max. Betriebsdruck 16 bar, max. 110 °C." {
		t.Errorf("analysis = %q", got)
	}

	// An article without documentation gets a plain notice, not an error.
	got = c.analyzeDocumentation(context.Background(), "gpt-5", "999999", "")
	if !strings.Contains(got, "keine Dokumentation") {
		t.Errorf("missing-docs result = %q", got)
	}
}

// Package expert implements the slow-path reasoning consultant: a
// non-streaming chat-completion client that answers complex trade
// questions with a confidence-scored structured result, optionally
// tool-calling its way through catalogs, documentation and the knowledge
// base before committing to an answer.
package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/config"
)

const (
	// maxToolIterations bounds the expert's tool loop; past this the last
	// text content is taken as-is.
	maxToolIterations = 8

	maxAnswerTokens   = 1000
	maxDocumentTokens = 1500

	// deflection is returned in place of a low-confidence answer.
	deflection = "Das kann ich Ihnen am Telefon leider nicht verbindlich beantworten. " +
		"Ein Fachkollege meldet sich dazu gerne bei Ihnen zurück."
)

// Answer is the structured expert result.
type Answer struct {
	Answer         string   `json:"answer"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning,omitempty"`
	ArticleNumbers []string `json:"article_numbers,omitempty"`

	Model   string        `json:"-"`
	Success bool          `json:"-"`
	Latency time.Duration `json:"-"`
}

// QueryRecord is what gets persisted per expert consultation.
type QueryRecord struct {
	Question   string
	Model      string
	Urgency    string
	Confidence float64
	Success    bool
	Latency    time.Duration
}

// Recorder persists query statistics. Recording failures are logged, never
// surfaced to the caller.
type Recorder interface {
	RecordExpertQuery(ctx context.Context, rec QueryRecord) error
}

// Client consults the expert model.
type Client struct {
	api      oai.Client
	catalog  *catalog.Store
	kb       *Knowledge
	docs     *DocumentStore
	settings *config.SettingsStore
	recorder Recorder
	logger   *slog.Logger

	instrMu  sync.RWMutex
	override string // runtime instruction override, reset on restart
}

// New builds the expert client. recorder may be nil.
func New(apiKey string, cat *catalog.Store, kb *Knowledge, docs *DocumentStore, settings *config.SettingsStore, recorder Recorder, logger *slog.Logger, reqOpts ...option.RequestOption) *Client {
	opts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)
	return &Client{
		api:      oai.NewClient(opts...),
		catalog:  cat,
		kb:       kb,
		docs:     docs,
		settings: settings,
		recorder: recorder,
		logger:   logger.With("component", "expert"),
	}
}

// Instructions returns the expert system prompt currently in use.
func (c *Client) Instructions() string {
	c.instrMu.RLock()
	defer c.instrMu.RUnlock()
	if c.override != "" {
		return c.override
	}
	return expertSystemPrompt
}

// SetInstructions overrides the expert system prompt for this process run.
// An empty string restores the built-in prompt. Deliberately not persisted.
func (c *Client) SetInstructions(text string) {
	c.instrMu.Lock()
	c.override = text
	c.instrMu.Unlock()
}

const expertSystemPrompt = `Du bist ein erfahrener SHK-Fachberater (Sanitär, Heizung, Klima) im technischen Großhandel.
Du beantwortest Fachfragen zu Produkten, Normen und Einbausituationen.
Nutze die bereitgestellten Werkzeuge, um Kataloge, Dokumentation und die Wissensdatenbank zu konsultieren, bevor du antwortest.
Antworte ausschließlich mit einem JSON-Objekt:
{"answer": "<kurze fachliche Antwort auf Deutsch>", "confidence": <0.0-1.0>, "reasoning": "<knappe Begründung>", "article_numbers": ["<relevante Artikelnummern>"]}
Setze confidence ehrlich: 0.9+ nur bei belegbaren Fakten, unter 0.6 wenn du unsicher bist.`

// model preference lists per urgency. The first entry that appears in the
// enabled-model list wins.
var urgencyPreference = map[string][]string{
	"fast":     {"gpt-5-mini", "o4-mini", "gpt-5"},
	"thorough": {"o3", "gpt-5", "gpt-5-mini"},
}

// pickModel resolves the model for an urgency level against the runtime
// expert configuration.
func pickModel(urgency string, cfg config.ExpertConfig) string {
	enabled := make(map[string]bool, len(cfg.EnabledModels))
	for _, m := range cfg.EnabledModels {
		enabled[m] = true
	}

	for _, m := range urgencyPreference[urgency] {
		if enabled[m] {
			return m
		}
	}
	if cfg.DefaultModel != "" && enabled[cfg.DefaultModel] {
		return cfg.DefaultModel
	}
	if len(cfg.EnabledModels) > 0 {
		return cfg.EnabledModels[0]
	}
	return cfg.DefaultModel
}

// Ask consults the expert model. The returned Answer always carries a
// speakable Answer field: low confidence yields the deflection text with
// Success=false. Errors are returned only for transport-level failures.
func (c *Client) Ask(ctx context.Context, question, urgency string) (Answer, error) {
	settings := c.settings.Get()
	cfg := settings.ExpertConfig
	model := pickModel(urgency, cfg)
	start := time.Now()

	c.logger.Info("expert query",
		"model", model,
		"urgency", urgency,
		"question_len", len(question),
	)

	ans, err := c.runToolLoop(ctx, model, question)
	ans.Model = model
	ans.Latency = time.Since(start)
	if err != nil {
		c.record(ctx, question, model, urgency, 0, false, ans.Latency)
		return ans, err
	}

	ans.Success = ans.Confidence >= cfg.MinConfidence
	if !ans.Success {
		c.logger.Info("expert answer below confidence threshold",
			"confidence", ans.Confidence,
			"threshold", cfg.MinConfidence,
		)
		ans.Answer = deflection
	}

	c.record(ctx, question, model, urgency, ans.Confidence, ans.Success, ans.Latency)
	c.logger.Info("expert query done",
		"model", model,
		"confidence", ans.Confidence,
		"success", ans.Success,
		"latency", ans.Latency.Round(time.Millisecond).String(),
	)
	return ans, nil
}

func (c *Client) record(ctx context.Context, question, model, urgency string, confidence float64, success bool, latency time.Duration) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.RecordExpertQuery(ctx, QueryRecord{
		Question:   question,
		Model:      model,
		Urgency:    urgency,
		Confidence: confidence,
		Success:    success,
		Latency:    latency,
	})
	if err != nil {
		c.logger.Warn("failed to record expert query", "error", err)
	}
}

// runToolLoop drives the completion/tool-call cycle until the model emits
// a final text answer or the iteration budget runs out.
func (c *Client) runToolLoop(ctx context.Context, model, question string) (Answer, error) {
	messages := []oai.ChatCompletionMessageParamUnion{
		oai.SystemMessage(c.Instructions()),
		oai.UserMessage(question),
	}

	var content string
	for i := 0; i < maxToolIterations; i++ {
		resp, err := c.api.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
			Model:               shared.ChatModel(model),
			Messages:            messages,
			Tools:               expertToolParams(),
			MaxCompletionTokens: param.NewOpt(int64(maxAnswerTokens)),
			ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
		})
		if err != nil {
			return Answer{}, fmt.Errorf("expert completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return Answer{}, fmt.Errorf("expert completion: empty choices")
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			content = choice.Message.Content
			break
		}

		messages = append(messages, choice.Message.ToParam())
		for _, tc := range choice.Message.ToolCalls {
			result := c.runExpertTool(ctx, model, tc.Function.Name, tc.Function.Arguments)
			messages = append(messages, oai.ToolMessage(result, tc.ID))
		}
		content = choice.Message.Content
	}

	return decodeAnswer(content), nil
}

// decodeAnswer parses the expert's JSON. Undecodable output is wrapped
// verbatim at confidence 0.5 rather than lost.
func decodeAnswer(content string) Answer {
	content = strings.TrimSpace(content)

	var ans Answer
	if err := json.Unmarshal([]byte(content), &ans); err == nil && ans.Answer != "" {
		if ans.Confidence < 0 {
			ans.Confidence = 0
		}
		if ans.Confidence > 1 {
			ans.Confidence = 1
		}
		return ans
	}

	return Answer{
		Answer:     content,
		Confidence: 0.5,
		Reasoning:  "unstrukturierte Antwort",
	}
}

package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/shkvoice/shkvoice/internal/catalog"
)

// maxNormChars truncates standards documents before they hit the context
// window.
const maxNormChars = 20000

func toolParam(name, description string, props map[string]any, required []string) oai.ChatCompletionToolParam {
	params := shared.FunctionParameters{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return oai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        name,
			Description: param.NewOpt(description),
			Parameters:  params,
		},
	}
}

// expertToolParams returns the research tool set offered to the expert
// model.
func expertToolParams() []oai.ChatCompletionToolParam {
	return []oai.ChatCompletionToolParam{
		toolParam("show_manufacturers",
			"Listet alle verfügbaren Herstellerkataloge mit Produktanzahl, gruppiert nach Kategorie.",
			map[string]any{}, nil),
		toolParam("search_products",
			"Sucht Produkte über alle Herstellerkataloge hinweg.",
			map[string]any{
				"query": map[string]any{"type": "string", "description": "Suchbegriffe"},
			}, []string{"query"}),
		toolParam("load_manufacturer_catalog",
			"Lädt die Produktliste eines Herstellerkatalogs.",
			map[string]any{
				"katalog": map[string]any{"type": "string", "description": "Katalogschlüssel, z.B. viega_profipress"},
			}, []string{"katalog"}),
		toolParam("load_product_documentation",
			"Lädt die Hersteller-PDF-Dokumentation zu einer Artikelnummer und wertet sie aus.",
			map[string]any{
				"artikelnummer": map[string]any{"type": "string"},
				"frage":         map[string]any{"type": "string", "description": "Konkrete Frage an die Dokumentation"},
			}, []string{"artikelnummer"}),
		toolParam("search_knowledge_base",
			"Durchsucht die SHK-Wissensdatenbank (Fachwissen und Normenindex).",
			map[string]any{
				"query": map[string]any{"type": "string"},
			}, []string{"query"}),
		toolParam("load_standards_document",
			"Lädt den Volltext eines Normendokuments aus dem Normenindex.",
			map[string]any{
				"norm": map[string]any{"type": "string", "description": "Normkennung, z.B. din-1988-200"},
			}, []string{"norm"}),
	}
}

// runExpertTool executes one expert research tool. Results are always
// strings; failures are phrased for the model, not returned as errors.
func (c *Client) runExpertTool(ctx context.Context, model, name, argsJSON string) string {
	var args struct {
		Query     string `json:"query"`
		Katalog   string `json:"katalog"`
		ArticleNr string `json:"artikelnummer"`
		Frage     string `json:"frage"`
		Norm      string `json:"norm"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Sprintf("Ungültige Argumente: %v", err)
	}

	c.logger.Debug("expert tool call", "tool", name)

	switch name {
	case "show_manufacturers":
		return c.catalog.RenderManufacturers()

	case "search_products":
		return c.searchAllCatalogs(args.Query)

	case "load_manufacturer_catalog":
		products, err := c.catalog.Load(args.Katalog)
		if err != nil {
			return fmt.Sprintf("Katalog %q konnte nicht geladen werden: %v", args.Katalog, err)
		}
		return catalog.RenderProducts(products)

	case "load_product_documentation":
		return c.analyzeDocumentation(ctx, model, args.ArticleNr, args.Frage)

	case "search_knowledge_base":
		return c.kb.Search(args.Query, 5)

	case "load_standards_document":
		text, err := c.kb.NormDocument(args.Norm)
		if err != nil {
			known := strings.Join(c.kb.NormIDs(), ", ")
			return fmt.Sprintf("Norm %q nicht gefunden. Verfügbar: %s", args.Norm, known)
		}
		if len(text) > maxNormChars {
			text = text[:maxNormChars] + "\n[... gekürzt]"
		}
		return text

	default:
		return fmt.Sprintf("Unknown function: %s", name)
	}
}

// searchAllCatalogs runs a query against every catalog and merges the hits.
func (c *Client) searchAllCatalogs(query string) string {
	var all []catalog.Product
	for _, key := range c.catalog.Keys() {
		hits, err := c.catalog.Search(key, query, 5)
		if err != nil {
			continue
		}
		all = append(all, hits...)
	}
	return catalog.RenderProducts(all)
}

// analyzeDocumentation downloads the article's PDFs and re-invokes the
// model with them attached, returning the model's reading as the tool
// result.
func (c *Client) analyzeDocumentation(ctx context.Context, model, articleNr, question string) string {
	docs, err := c.docs.Fetch(ctx, articleNr)
	if err != nil {
		return fmt.Sprintf("Dokumentation zu Artikel %s konnte nicht geladen werden: %v", articleNr, err)
	}
	if len(docs) == 0 {
		return fmt.Sprintf("Zu Artikel %s ist keine Dokumentation hinterlegt.", articleNr)
	}

	if question == "" {
		question = "Fasse die wesentlichen technischen Daten und Einbauhinweise zusammen."
	}

	parts := []oai.ChatCompletionContentPartUnionParam{
		oai.TextContentPart(fmt.Sprintf("Artikel %s: %s", articleNr, question)),
	}
	for _, doc := range docs {
		parts = append(parts, oai.FileContentPart(oai.ChatCompletionContentPartFileFileParam{
			FileData: oai.String(doc.DataURL()),
			Filename: oai.String(doc.Filename),
		}))
	}

	resp, err := c.api.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage("Du wertest Hersteller-Produktdokumentation für SHK-Fachfragen aus. Antworte präzise auf Deutsch."),
			oai.UserMessage(parts),
		},
		MaxCompletionTokens: param.NewOpt(int64(maxDocumentTokens)),
	})
	if err != nil {
		return fmt.Sprintf("Dokumentenanalyse fehlgeschlagen: %v", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "Die Dokumentation enthielt keine verwertbare Antwort."
	}
	return resp.Choices[0].Message.Content
}

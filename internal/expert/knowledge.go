package expert

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NormEntry describes one standards document in the norm index
// (_normen_index.json).
type NormEntry struct {
	File   string   `json:"file"`
	Titel  string   `json:"titel"`
	Themen []string `json:"themen,omitempty"`
}

// Knowledge is the read-only trade knowledge base: a topic→text map from
// _shk_fachwissen.json plus an index of standards documents. Both files
// are optional; a missing knowledge base just makes the related expert
// tools answer empty-handed.
type Knowledge struct {
	dir    string
	logger *slog.Logger

	facts map[string]string    // topic → text
	norms map[string]NormEntry // norm id (e.g. "din-1988-200") → entry
}

// OpenKnowledge loads the knowledge base from dir.
func OpenKnowledge(dir string, logger *slog.Logger) *Knowledge {
	k := &Knowledge{
		dir:    dir,
		logger: logger.With("subsystem", "knowledge"),
		facts:  make(map[string]string),
		norms:  make(map[string]NormEntry),
	}

	if data, err := os.ReadFile(filepath.Join(dir, "_shk_fachwissen.json")); err == nil {
		if err := json.Unmarshal(data, &k.facts); err != nil {
			k.logger.Warn("malformed trade knowledge file, ignoring", "error", err)
			k.facts = make(map[string]string)
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, "_normen_index.json")); err == nil {
		if err := json.Unmarshal(data, &k.norms); err != nil {
			k.logger.Warn("malformed norm index, ignoring", "error", err)
			k.norms = make(map[string]NormEntry)
		}
	}

	k.logger.Info("knowledge base loaded",
		"topics", len(k.facts),
		"norms", len(k.norms),
	)
	return k
}

// Search returns knowledge entries whose topic, norm title, or theme list
// matches any query token. Results are capped and rendered as labelled
// text blocks for the model.
func (k *Knowledge) Search(query string, limit int) string {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return "Keine Treffer in der Wissensdatenbank."
	}

	type hit struct {
		key  string
		text string
	}
	var hits []hit

	for topic, text := range k.facts {
		if matchesAny(topic+" "+text, tokens) {
			hits = append(hits, hit{key: topic, text: text})
		}
	}
	for id, norm := range k.norms {
		haystack := id + " " + norm.Titel + " " + strings.Join(norm.Themen, " ")
		if matchesAny(haystack, tokens) {
			hits = append(hits, hit{
				key:  id,
				text: fmt.Sprintf("Norm %s: %s (Dokument über load_standards_document abrufbar)", id, norm.Titel),
			})
		}
	}

	if len(hits) == 0 {
		return "Keine Treffer in der Wissensdatenbank."
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].key < hits[j].key })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "## %s\n%s\n\n", h.key, h.text)
	}
	return strings.TrimSpace(b.String())
}

// Norm returns the index entry for a norm id, matched case-insensitively.
func (k *Knowledge) Norm(id string) (NormEntry, bool) {
	if e, ok := k.norms[id]; ok {
		return e, true
	}
	lower := strings.ToLower(id)
	for key, e := range k.norms {
		if strings.ToLower(key) == lower {
			return e, true
		}
	}
	return NormEntry{}, false
}

// NormDocument reads the full text of a standards document.
func (k *Knowledge) NormDocument(id string) (string, error) {
	entry, ok := k.Norm(id)
	if !ok {
		return "", fmt.Errorf("unknown norm %q", id)
	}
	data, err := os.ReadFile(filepath.Join(k.dir, entry.File))
	if err != nil {
		return "", fmt.Errorf("reading norm document: %w", err)
	}
	return string(data), nil
}

// NormIDs lists all indexed norm ids, sorted.
func (k *Knowledge) NormIDs() []string {
	ids := make([]string, 0, len(k.norms))
	for id := range k.norms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func matchesAny(haystack string, tokens []string) bool {
	lower := strings.ToLower(haystack)
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

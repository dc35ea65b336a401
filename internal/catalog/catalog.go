// Package catalog loads and queries the read-only product data: a catalog
// index, a keyword index, and one JSON product file per manufacturer/system
// key. All data is immutable after load, so lookups need no locking; only
// the lazy per-file cache is guarded.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Product is one record of a catalog file. Field names follow the upstream
// data export.
type Product struct {
	Artikel      string  `json:"Artikel"`
	Bezeichnung1 string  `json:"Bezeichnung 1"`
	Bezeichnung2 string  `json:"Bezeichnung 2"`
	EAN          string  `json:"EAN"`
	Einheit      string  `json:"Einheit"`
	Preis        float64 `json:"Preis,omitempty"`
	Listenpreis  float64 `json:"Listenpreis,omitempty"`
}

// Name returns the full product designation.
func (p *Product) Name() string {
	if p.Bezeichnung2 == "" {
		return p.Bezeichnung1
	}
	return p.Bezeichnung1 + " " + p.Bezeichnung2
}

// IndexEntry describes one catalog in _index.json.
type IndexEntry struct {
	File      string `json:"file"`
	Kategorie string `json:"kategorie"`
	Produkte  int    `json:"produkte"`
}

// Store provides access to the catalog directory.
type Store struct {
	dir    string
	logger *slog.Logger

	index    map[string]IndexEntry
	keywords map[string]map[string]int // normalized word -> catalog key -> count

	mu     sync.Mutex
	loaded map[string][]Product
}

// Open reads the catalog and keyword indexes from dir. Product files are
// loaded lazily on first use. A missing index is an error; a missing keyword
// index degrades to empty (direct catalog access still works).
func Open(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		dir:      dir,
		logger:   logger.With("component", "catalog"),
		index:    make(map[string]IndexEntry),
		keywords: make(map[string]map[string]int),
		loaded:   make(map[string][]Product),
	}

	data, err := os.ReadFile(filepath.Join(dir, "_index.json"))
	if err != nil {
		return nil, fmt.Errorf("reading catalog index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return nil, fmt.Errorf("parsing catalog index: %w", err)
	}

	kwData, err := os.ReadFile(filepath.Join(dir, "_keywords.json"))
	if err != nil {
		s.logger.Warn("keyword index unavailable, keyword search disabled", "error", err)
	} else if err := json.Unmarshal(kwData, &s.keywords); err != nil {
		return nil, fmt.Errorf("parsing keyword index: %w", err)
	}

	s.logger.Info("catalog store opened", "catalogs", len(s.index), "keywords", len(s.keywords))
	return s, nil
}

// Keys returns all catalog keys sorted alphabetically.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns the index entry for a catalog key.
func (s *Store) Entry(key string) (IndexEntry, bool) {
	e, ok := s.index[key]
	return e, ok
}

// ByCategory groups catalog keys by their category.
func (s *Store) ByCategory() map[string][]string {
	out := make(map[string][]string)
	for k, e := range s.index {
		cat := e.Kategorie
		if cat == "" {
			cat = "sonstige"
		}
		out[cat] = append(out[cat], k)
	}
	for _, keys := range out {
		sort.Strings(keys)
	}
	return out
}

// Load returns the products of one catalog, reading the file on first use.
func (s *Store) Load(key string) ([]Product, error) {
	entry, ok := s.index[key]
	if !ok {
		return nil, fmt.Errorf("unknown catalog %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if products, ok := s.loaded[key]; ok {
		return products, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, entry.File))
	if err != nil {
		return nil, fmt.Errorf("reading catalog %q: %w", key, err)
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("parsing catalog %q: %w", key, err)
	}

	s.loaded[key] = products
	s.logger.Debug("catalog loaded", "key", key, "products", len(products))
	return products, nil
}

// Search runs a token match against one catalog and returns products whose
// designation or article number contains every query token.
func (s *Store) Search(key, query string, limit int) ([]Product, error) {
	products, err := s.Load(key)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var hits []Product
	for i := range products {
		p := &products[i]
		haystack := normalize(p.Name() + " " + p.Artikel)
		match := true
		for _, tok := range tokens {
			if !strings.Contains(haystack, tok) {
				match = false
				break
			}
		}
		if match {
			hits = append(hits, *p)
			if limit > 0 && len(hits) >= limit {
				break
			}
		}
	}
	return hits, nil
}

// FindArticle looks up a product by exact article number across the given
// catalogs (all catalogs if keys is empty). A nil product with a nil error
// means the article is simply unknown; errors are reserved for catalogs
// that could not be read at all.
func (s *Store) FindArticle(articleNr string, keys []string) (*Product, string, error) {
	if len(keys) == 0 {
		keys = s.Keys()
	}
	want := strings.TrimSpace(articleNr)
	var loadErr error
	for _, key := range keys {
		products, err := s.Load(key)
		if err != nil {
			s.logger.Warn("skipping unreadable catalog during article lookup", "key", key, "error", err)
			loadErr = fmt.Errorf("loading catalog %q: %w", key, err)
			continue
		}
		for i := range products {
			if products[i].Artikel == want {
				return &products[i], key, nil
			}
		}
	}
	return nil, "", loadErr
}

package catalog

import (
	"sort"
	"strings"
)

// KeywordHit is one candidate catalog from the keyword index, ranked by the
// summed occurrence counts of the matched query words.
type KeywordHit struct {
	Key   string
	Count int
}

// normalize lowercases a string and folds German umlauts so spoken-word
// transcripts match the index regardless of spelling.
func normalize(s string) string {
	s = strings.ToLower(s)
	r := strings.NewReplacer(
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
	)
	return r.Replace(s)
}

// tokenize splits a query into normalized words, dropping single characters.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(normalize(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// FindCatalogs ranks catalogs by keyword-index hits for the query. Ties
// break alphabetically so results are stable.
func (s *Store) FindCatalogs(query string, limit int) []KeywordHit {
	scores := make(map[string]int)
	for _, tok := range tokenize(query) {
		for key, count := range s.keywords[tok] {
			scores[key] += count
		}
	}

	hits := make([]KeywordHit, 0, len(scores))
	for key, count := range scores {
		hits = append(hits, KeywordHit{Key: key, Count: count})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Count != hits[j].Count {
			return hits[i].Count > hits[j].Count
		}
		return hits[i].Key < hits[j].Key
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

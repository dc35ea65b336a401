package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// maxResultLines caps rendered product listings; anything longer is noise
// when read out over the phone.
const maxResultLines = 15

// RenderLine formats one product as a result line.
func RenderLine(p Product) string {
	return fmt.Sprintf("- %s | Art: %s", p.Name(), p.Artikel)
}

// RenderProducts formats a product list, capped at maxResultLines, with a
// trailing count note when truncated.
func RenderProducts(products []Product) string {
	if len(products) == 0 {
		return "Keine Produkte gefunden."
	}

	var b strings.Builder
	shown := len(products)
	if shown > maxResultLines {
		shown = maxResultLines
	}
	for _, p := range products[:shown] {
		b.WriteString(RenderLine(p))
		b.WriteString("\n")
	}
	if len(products) > shown {
		fmt.Fprintf(&b, "... und %d weitere Treffer.\n", len(products)-shown)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderManufacturers lists all catalog keys with product counts, grouped
// by category.
func (s *Store) RenderManufacturers() string {
	byCat := s.ByCategory()
	if len(byCat) == 0 {
		return "Keine Kataloge vorhanden."
	}

	cats := make([]string, 0, len(byCat))
	for cat := range byCat {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var b strings.Builder
	for _, cat := range cats {
		fmt.Fprintf(&b, "%s:\n", cat)
		keys := byCat[cat]
		sort.Strings(keys)
		for _, key := range keys {
			entry, _ := s.Entry(key)
			fmt.Fprintf(&b, "  - %s (%d Produkte)\n", key, entry.Produkte)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderDetails formats the full record of one product including prices.
func RenderDetails(p Product, catalogKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Artikel: %s\n", p.Artikel)
	fmt.Fprintf(&b, "Bezeichnung: %s\n", p.Name())
	if p.EAN != "" {
		fmt.Fprintf(&b, "EAN: %s\n", p.EAN)
	}
	if p.Einheit != "" {
		fmt.Fprintf(&b, "Einheit: %s\n", p.Einheit)
	}
	if p.Preis > 0 {
		fmt.Fprintf(&b, "Preis: %.2f EUR\n", p.Preis)
	}
	if p.Listenpreis > 0 {
		fmt.Fprintf(&b, "Listenpreis: %.2f EUR\n", p.Listenpreis)
	}
	fmt.Fprintf(&b, "Katalog: %s", catalogKey)
	return b.String()
}

package catalog

import "strings"

// Domain is a coarse product category that selects specialist instructions
// and the catalogs to search first.
type Domain struct {
	Key          string
	Title        string
	Instructions string
	Keywords     []string
	Categories   []string // index categories whose catalogs belong to this domain
}

// domains are compiled in; operators cannot edit them at runtime.
var domains = []Domain{
	{
		Key:   "rohrsysteme",
		Title: "Rohrsysteme und Pressfittings",
		Instructions: "Du berätst jetzt zu Rohrsystemen und Pressverbindern " +
			"(Profipress, Sanpress, Megapress, Mapress und vergleichbare Systeme). " +
			"Frage immer nach Dimension und Material, bevor du Artikel vorschlägst. " +
			"Achte auf die Zulassung: nicht jedes System ist für Trinkwasser freigegeben.",
		Keywords:   []string{"rohr", "bogen", "fitting", "pressfitting", "kupplung", "muffe", "profipress", "sanpress", "megapress", "mapress"},
		Categories: []string{"rohrsysteme"},
	},
	{
		Key:   "armaturen",
		Title: "Armaturen",
		Instructions: "Du berätst jetzt zu Armaturen (Mischbatterien, Eckventile, " +
			"Absperrventile, Thermostate). Kläre Einsatzort und Anschlussmaß, " +
			"bevor du Artikel vorschlägst.",
		Keywords:   []string{"armatur", "ventil", "mischbatterie", "eckventil", "thermostat", "absperrventil"},
		Categories: []string{"armaturen"},
	},
	{
		Key:   "heiztechnik",
		Title: "Heiztechnik",
		Instructions: "Du berätst jetzt zu Heiztechnik (Heizkörper, Fußbodenheizung, " +
			"Pumpen, Ausdehnungsgefäße). Frage nach Leistung und Anschlussart.",
		Keywords:   []string{"heizung", "heizkoerper", "fussbodenheizung", "pumpe", "ausdehnungsgefaess", "kessel"},
		Categories: []string{"heiztechnik"},
	},
	{
		Key:   "sanitaer",
		Title: "Sanitär",
		Instructions: "Du berätst jetzt zu Sanitärausstattung (WC, Waschtische, " +
			"Spülkästen, Vorwandelemente, Abläufe).",
		Keywords:   []string{"wc", "waschtisch", "spuelkasten", "vorwand", "ablauf", "siphon", "dusche"},
		Categories: []string{"sanitaer"},
	},
}

// Domains returns all compiled-in domains.
func Domains() []Domain {
	return domains
}

// DomainByKey returns the domain with the given key.
func DomainByKey(key string) (Domain, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, d := range domains {
		if d.Key == key {
			return d, true
		}
	}
	return Domain{}, false
}

// DomainForQuery returns the first domain one of whose keywords appears in
// the normalized query, if any.
func DomainForQuery(query string) (Domain, bool) {
	tokens := tokenize(query)
	for _, d := range domains {
		for _, kw := range d.Keywords {
			for _, tok := range tokens {
				if tok == kw || strings.HasPrefix(tok, kw) {
					return d, true
				}
			}
		}
	}
	return Domain{}, false
}

// PreferredCatalogs returns the store's catalog keys belonging to the domain.
func (s *Store) PreferredCatalogs(d Domain) []string {
	byCat := s.ByCategory()
	var keys []string
	for _, cat := range d.Categories {
		keys = append(keys, byCat[cat]...)
	}
	return keys
}

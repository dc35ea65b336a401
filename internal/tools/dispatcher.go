// Package tools executes the assistant's function calls against the
// catalog, the active order, and the expert consultant. Dispatch never
// returns an error to the model: every outcome, including panics, becomes
// a speakable German string.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/expert"
	"github.com/shkvoice/shkvoice/internal/order"
)

// Expert is the slow-path consultant the ask_expert tool delegates to.
type Expert interface {
	Ask(ctx context.Context, question, urgency string) (expert.Answer, error)
}

// Dispatcher routes named tool calls. One instance serves the whole
// process; per-call state (active catalogs, product domain) is reset via
// Reset when a call ends.
type Dispatcher struct {
	catalog *catalog.Store
	orders  *order.Manager
	expert  Expert
	logger  *slog.Logger

	// OnDomainChange fires when a tool switches the product domain; the
	// orchestrator uses it to re-instruct the realtime session.
	OnDomainChange func(d catalog.Domain)

	mu         sync.Mutex
	active     map[string]struct{} // catalog keys loaded during this call
	domain     catalog.Domain
	counts     map[string]uint64   // dispatches per tool name, process lifetime
	lastExpert *expert.Answer      // outcome of the latest ask_expert, if any
}

// NewDispatcher builds the dispatcher. expert may be nil; ask_expert then
// reports the consultant as unavailable.
func NewDispatcher(cat *catalog.Store, orders *order.Manager, exp Expert, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		catalog: cat,
		orders:  orders,
		expert:  exp,
		logger:  logger.With("component", "tools"),
		active:  make(map[string]struct{}),
		counts:  make(map[string]uint64),
	}
}

// Reset clears the per-call state. Called on call end.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = make(map[string]struct{})
	d.domain = catalog.Domain{}
	d.lastExpert = nil
}

// Counts returns a copy of the per-tool dispatch counters. Counters
// accumulate over the process lifetime; Reset does not touch them.
func (d *Dispatcher) Counts() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Domain returns the currently selected product domain.
func (d *Dispatcher) Domain() catalog.Domain {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.domain
}

// dispatchArgs is the union of all tool argument shapes.
type dispatchArgs struct {
	Suchbegriff   string `json:"suchbegriff"`
	Katalog       string `json:"katalog"`
	ArticleNr     string `json:"artikelnummer"`
	Menge         int    `json:"menge"`
	Produktname   string `json:"produktname"`
	Frage         string `json:"frage"`
	Dringlichkeit string `json:"dringlichkeit"`
	Bereich       string `json:"bereich"`
}

// Dispatch executes one tool call and returns the result string. Panics
// are recovered and stringified; the assistant must never see a raw
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, name, argsJSON string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", r)
			result = fmt.Sprintf("Bei der Bearbeitung ist ein Fehler aufgetreten: %v", r)
		}
	}()

	var args dispatchArgs
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Sprintf("Die Anfrage konnte nicht verarbeitet werden: %v", err)
		}
	}

	d.logger.Info("tool call", "tool", name)
	d.mu.Lock()
	d.counts[name]++
	d.mu.Unlock()

	switch name {
	case "find_product_catalog":
		return d.findProductCatalog(args.Suchbegriff)
	case "show_manufacturers":
		return d.catalog.RenderManufacturers()
	case "search_in_catalog":
		return d.searchInCatalog(args.Katalog, args.Suchbegriff)
	case "show_product_details":
		return d.showProductDetails(args.ArticleNr)
	case "order_add":
		return d.orderAdd(args.ArticleNr, args.Menge, args.Produktname)
	case "show_order":
		o, _ := d.orders.Get()
		return order.Render(o)
	case "ask_expert":
		return d.askExpert(ctx, args.Frage, args.Dringlichkeit)
	case "switch_product_domain":
		return d.switchDomain(args.Bereich)
	default:
		return fmt.Sprintf("Unknown function: %s", name)
	}
}

// findProductCatalog ranks catalogs by keyword-index hits and, when the
// query names a product domain, switches to it.
func (d *Dispatcher) findProductCatalog(query string) string {
	if query == "" {
		return "Bitte einen Suchbegriff angeben."
	}

	var domainNote string
	if dom, ok := catalog.DomainForQuery(query); ok {
		d.setDomain(dom)
		domainNote = fmt.Sprintf("\nProduktbereich gewechselt zu: %s.", dom.Title)
	}

	hits := d.catalog.FindCatalogs(query, 5)
	if len(hits) == 0 {
		return "Kein passender Katalog gefunden. Verfügbare Hersteller über show_manufacturers abrufbar." + domainNote
	}

	var b strings.Builder
	b.WriteString("Passende Kataloge:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s (%d Treffer)\n", i+1, h.Key, h.Count)
	}
	return strings.TrimRight(b.String(), "\n") + domainNote
}

// searchInCatalog activates a catalog and searches it, falling back to the
// keyword-suggested catalogs when the primary search comes up empty.
func (d *Dispatcher) searchInCatalog(key, query string) string {
	if key == "" || query == "" {
		return "Bitte Katalog und Suchbegriff angeben."
	}

	d.activate(key)
	hits, err := d.catalog.Search(key, query, 15)
	if err != nil {
		return fmt.Sprintf("Katalog %q konnte nicht geladen werden: %v", key, err)
	}
	if len(hits) > 0 {
		return catalog.RenderProducts(hits)
	}

	// Zero hits: try the top keyword-suggested catalogs.
	suggestions := d.catalog.FindCatalogs(query, 3)
	for _, s := range suggestions {
		if s.Key == key {
			continue
		}
		d.activate(s.Key)
		alt, err := d.catalog.Search(s.Key, query, 15)
		if err != nil || len(alt) == 0 {
			continue
		}
		return fmt.Sprintf("In %s nichts gefunden, aber in %s:\n%s",
			key, s.Key, catalog.RenderProducts(alt))
	}

	if len(suggestions) > 0 {
		keys := make([]string, len(suggestions))
		for i, s := range suggestions {
			keys[i] = s.Key
		}
		return fmt.Sprintf("Keine Produkte zu %q in %s gefunden. Eventuell passende Kataloge: %s",
			query, key, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("Keine Produkte zu %q gefunden.", query)
}

// showProductDetails resolves an article number, searching the catalogs
// activated during this call first.
func (d *Dispatcher) showProductDetails(articleNr string) string {
	if articleNr == "" {
		return "Bitte eine Artikelnummer angeben."
	}

	p, key, err := d.catalog.FindArticle(articleNr, d.activeKeys())
	if err != nil || p == nil {
		p, key, err = d.catalog.FindArticle(articleNr, nil)
	}
	if err != nil {
		return fmt.Sprintf("Artikelsuche fehlgeschlagen: %v", err)
	}
	if p == nil {
		return fmt.Sprintf("Artikel %s wurde in keinem Katalog gefunden.", articleNr)
	}
	return catalog.RenderDetails(*p, key)
}

// orderAdd appends a position to the active order. The quantity must be
// explicit; the model is instructed never to guess it.
func (d *Dispatcher) orderAdd(articleNr string, menge int, produktname string) string {
	if articleNr == "" {
		return "Bitte eine Artikelnummer angeben."
	}
	if menge <= 0 {
		return "Bitte die gewünschte Stückzahl beim Kunden erfragen, bevor die Position aufgenommen wird."
	}

	if produktname == "" {
		if p, _, err := d.catalog.FindArticle(articleNr, d.activeKeys()); err == nil && p != nil {
			produktname = p.Name()
		}
	}

	total, err := d.orders.Add(articleNr, menge, produktname)
	if err != nil {
		return fmt.Sprintf("Die Position konnte nicht aufgenommen werden: %v", err)
	}

	name := produktname
	if name == "" {
		name = "Artikel " + articleNr
	}
	if total != menge {
		return fmt.Sprintf("%d x %s (Art. %s) notiert, insgesamt jetzt %d Stück dieser Position.",
			menge, name, articleNr, total)
	}
	return fmt.Sprintf("%d x %s (Art. %s) notiert.", menge, name, articleNr)
}

// askExpert delegates to the consultant. The Answer field is always
// speakable: on low confidence it already carries the deflection text. The
// full outcome is kept for LastExpertAnswer.
func (d *Dispatcher) askExpert(ctx context.Context, frage, dringlichkeit string) string {
	d.setLastExpert(nil)
	if frage == "" {
		return "Bitte die Fachfrage angeben."
	}
	if d.expert == nil {
		return "Der Fachexperte ist derzeit nicht verfügbar."
	}

	ans, err := d.expert.Ask(ctx, frage, dringlichkeit)
	if err != nil {
		d.logger.Warn("expert query failed", "error", err)
		return "Der Fachexperte ist gerade nicht erreichbar. Ein Kollege ruft dazu gerne zurück."
	}
	d.setLastExpert(&ans)
	return ans.Answer
}

func (d *Dispatcher) setLastExpert(ans *expert.Answer) {
	d.mu.Lock()
	d.lastExpert = ans
	d.mu.Unlock()
}

// LastExpertAnswer returns the outcome of the most recent ask_expert
// dispatch. ok is false when the consultant was never reached, because no
// query ran yet or the last one failed in transport.
func (d *Dispatcher) LastExpertAnswer() (expert.Answer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastExpert == nil {
		return expert.Answer{}, false
	}
	return *d.lastExpert, true
}

// switchDomain changes the product domain and notifies the orchestrator.
func (d *Dispatcher) switchDomain(bereich string) string {
	dom, ok := catalog.DomainByKey(bereich)
	if !ok {
		keys := make([]string, 0)
		for _, dm := range catalog.Domains() {
			keys = append(keys, dm.Key)
		}
		return fmt.Sprintf("Unbekannter Produktbereich %q. Verfügbar: %s", bereich, strings.Join(keys, ", "))
	}

	d.setDomain(dom)
	return fmt.Sprintf("Produktbereich gewechselt zu: %s.", dom.Title)
}

func (d *Dispatcher) setDomain(dom catalog.Domain) {
	d.mu.Lock()
	changed := d.domain.Key != dom.Key
	d.domain = dom
	hook := d.OnDomainChange
	d.mu.Unlock()

	if changed && hook != nil {
		hook(dom)
	}
}

func (d *Dispatcher) activate(key string) {
	d.mu.Lock()
	d.active[key] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) activeKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.active))
	for k := range d.active {
		keys = append(keys, k)
	}
	return keys
}

package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shkvoice/shkvoice/internal/catalog"
	"github.com/shkvoice/shkvoice/internal/expert"
	"github.com/shkvoice/shkvoice/internal/order"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCatalogFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	index := `{
		"viega_profipress": {"file": "viega_profipress.json", "kategorie": "rohrsysteme", "produkte": 2},
		"grohe_armaturen": {"file": "grohe_armaturen.json", "kategorie": "armaturen", "produkte": 1}
	}`
	keywords := `{
		"profipress": {"viega_profipress": 40},
		"bogen": {"viega_profipress": 12},
		"armatur": {"grohe_armaturen": 8}
	}`
	viega := `[
		{"Artikel": "294540", "Bezeichnung 1": "Profipress Bogen 90°", "Bezeichnung 2": "22mm", "EAN": "4015211294540", "Einheit": "ST", "Preis": 4.82},
		{"Artikel": "294541", "Bezeichnung 1": "Profipress Bogen 45°", "Bezeichnung 2": "22mm", "Einheit": "ST", "Preis": 4.10}
	]`
	grohe := `[
		{"Artikel": "32843000", "Bezeichnung 1": "Eurosmart Einhandmischer", "Bezeichnung 2": "Waschtisch", "Einheit": "ST", "Preis": 89.00}
	]`

	for name, content := range map[string]string{
		"_index.json":          index,
		"_keywords.json":       keywords,
		"viega_profipress.json": viega,
		"grohe_armaturen.json":  grohe,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

type fakeExpert struct {
	answer expert.Answer
	err    error
	asked  []string
}

func (f *fakeExpert) Ask(ctx context.Context, question, urgency string) (expert.Answer, error) {
	f.asked = append(f.asked, question)
	return f.answer, f.err
}

func newTestDispatcher(t *testing.T, exp Expert) (*Dispatcher, *order.Manager) {
	t.Helper()
	cat, err := catalog.Open(writeCatalogFixture(t), discardLogger())
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	orders := order.NewManager()
	orders.Start("+4930123456")
	return NewDispatcher(cat, orders, exp, discardLogger()), orders
}

func dispatch(t *testing.T, d *Dispatcher, name, args string) string {
	t.Helper()
	return d.Dispatch(context.Background(), name, args)
}

func TestDispatchUnknownFunction(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	got := dispatch(t, d, "teleport_caller", `{}`)
	if got != "Unknown function: teleport_caller" {
		t.Errorf("result = %q", got)
	}
}

func TestDispatchMalformedArguments(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	got := dispatch(t, d, "search_in_catalog", `{not json`)
	if !strings.Contains(got, "konnte nicht verarbeitet werden") {
		t.Errorf("result = %q, want parse failure text", got)
	}
}

func TestFindProductCatalogSelectsDomain(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	var changed []string
	d.OnDomainChange = func(dom catalog.Domain) { changed = append(changed, dom.Key) }

	got := dispatch(t, d, "find_product_catalog", `{"suchbegriff":"Profipress Bogen 22"}`)
	if !strings.Contains(got, "viega_profipress") {
		t.Errorf("result missing catalog hit:\n%s", got)
	}
	if len(changed) != 1 || changed[0] != "rohrsysteme" {
		t.Errorf("domain changes = %v, want [rohrsysteme]", changed)
	}
	if d.Domain().Key != "rohrsysteme" {
		t.Errorf("domain = %q", d.Domain().Key)
	}

	// Same domain again must not re-fire the hook.
	dispatch(t, d, "find_product_catalog", `{"suchbegriff":"Profipress"}`)
	if len(changed) != 1 {
		t.Errorf("hook fired %d times, want 1", len(changed))
	}
}

func TestSearchInCatalog(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	got := dispatch(t, d, "search_in_catalog", `{"katalog":"viega_profipress","suchbegriff":"bogen 90"}`)
	if !strings.Contains(got, "- Profipress Bogen 90° 22mm | Art: 294540") {
		t.Errorf("result = %q", got)
	}
	if strings.Contains(got, "294541") {
		t.Errorf("45° bend should not match 'bogen 90': %q", got)
	}
}

func TestSearchInCatalogFallback(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	// The bend lives in viega_profipress; searching the wrong catalog must
	// fall back via the keyword index.
	got := dispatch(t, d, "search_in_catalog", `{"katalog":"grohe_armaturen","suchbegriff":"profipress bogen"}`)
	if !strings.Contains(got, "294540") {
		t.Errorf("fallback did not find the product:\n%s", got)
	}
	if !strings.Contains(got, "viega_profipress") {
		t.Errorf("fallback result should name the catalog it searched:\n%s", got)
	}
}

func TestShowProductDetails(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	got := dispatch(t, d, "show_product_details", `{"artikelnummer":"294540"}`)
	for _, want := range []string{"Artikel: 294540", "Profipress Bogen 90° 22mm", "Preis: 4.82 EUR", "viega_profipress"} {
		if !strings.Contains(got, want) {
			t.Errorf("details missing %q:\n%s", want, got)
		}
	}

	got = dispatch(t, d, "show_product_details", `{"artikelnummer":"000000"}`)
	if !strings.Contains(got, "keinem Katalog") {
		t.Errorf("unknown article result = %q", got)
	}
}

func TestOrderAddAndShow(t *testing.T) {
	d, orders := newTestDispatcher(t, nil)

	got := dispatch(t, d, "order_add", `{"artikelnummer":"294540","menge":10,"produktname":"Profipress Bogen 90° 22mm"}`)
	if !strings.Contains(got, "10 x Profipress Bogen 90° 22mm (Art. 294540) notiert") {
		t.Errorf("confirmation = %q", got)
	}

	// Same article consolidates.
	got = dispatch(t, d, "order_add", `{"artikelnummer":"294540","menge":5}`)
	if !strings.Contains(got, "insgesamt jetzt 15") {
		t.Errorf("consolidation confirmation = %q", got)
	}

	o, _ := orders.Get()
	if len(o.Items) != 1 || o.Items[0].Quantity != 15 {
		t.Fatalf("order items = %+v", o.Items)
	}

	rendered := dispatch(t, d, "show_order", `{}`)
	if !strings.Contains(rendered, "15 x Profipress Bogen 90° 22mm (Art. 294540)") {
		t.Errorf("show_order = %q", rendered)
	}
}

func TestOrderAddRequiresQuantity(t *testing.T) {
	d, orders := newTestDispatcher(t, nil)

	got := dispatch(t, d, "order_add", `{"artikelnummer":"294540"}`)
	if !strings.Contains(got, "Stückzahl") {
		t.Errorf("missing-quantity result = %q", got)
	}
	if o, _ := orders.Get(); len(o.Items) != 0 {
		t.Errorf("order should be empty, got %+v", o.Items)
	}
}

func TestOrderAddLooksUpName(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	dispatch(t, d, "search_in_catalog", `{"katalog":"viega_profipress","suchbegriff":"bogen"}`)
	got := dispatch(t, d, "order_add", `{"artikelnummer":"294541","menge":3}`)
	if !strings.Contains(got, "Profipress Bogen 45° 22mm") {
		t.Errorf("name lookup failed: %q", got)
	}
}

func TestAskExpert(t *testing.T) {
	exp := &fakeExpert{answer: expert.Answer{Answer: "Ja, mit DVGW-Zulassung.", Confidence: 0.9, Success: true}}
	d, _ := newTestDispatcher(t, exp)

	got := dispatch(t, d, "ask_expert", `{"frage":"Ist Profipress für Trinkwasser zugelassen?","dringlichkeit":"normal"}`)
	if got != "Ja, mit DVGW-Zulassung." {
		t.Errorf("result = %q", got)
	}
	if len(exp.asked) != 1 {
		t.Errorf("expert asked %d times", len(exp.asked))
	}
}

func TestAskExpertTransportFailure(t *testing.T) {
	exp := &fakeExpert{err: errors.New("connection refused")}
	d, _ := newTestDispatcher(t, exp)

	got := dispatch(t, d, "ask_expert", `{"frage":"Frage"}`)
	if !strings.Contains(got, "nicht erreichbar") {
		t.Errorf("result = %q, want unavailable phrasing", got)
	}
	if _, ok := d.LastExpertAnswer(); ok {
		t.Error("transport failure left an expert outcome behind")
	}
}

func TestLastExpertAnswer(t *testing.T) {
	exp := &fakeExpert{answer: expert.Answer{
		Answer:     "Das kann ich Ihnen am Telefon leider nicht verbindlich beantworten.",
		Confidence: 0.45,
		Success:    false,
		Model:      "gpt-5-mini",
	}}
	d, _ := newTestDispatcher(t, exp)

	if _, ok := d.LastExpertAnswer(); ok {
		t.Fatal("outcome present before any query")
	}

	dispatch(t, d, "ask_expert", `{"frage":"Welche Dämmstärke schreibt das GEG vor?"}`)
	ans, ok := d.LastExpertAnswer()
	if !ok {
		t.Fatal("no outcome after ask_expert")
	}
	if ans.Success || ans.Confidence != 0.45 || ans.Model != "gpt-5-mini" {
		t.Errorf("outcome = %+v", ans)
	}

	d.Reset()
	if _, ok := d.LastExpertAnswer(); ok {
		t.Error("Reset kept the expert outcome")
	}
}

func TestSwitchProductDomain(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	got := dispatch(t, d, "switch_product_domain", `{"bereich":"heiztechnik"}`)
	if !strings.Contains(got, "gewechselt") {
		t.Errorf("result = %q", got)
	}
	if d.Domain().Key != "heiztechnik" {
		t.Errorf("domain = %q", d.Domain().Key)
	}

	got = dispatch(t, d, "switch_product_domain", `{"bereich":"weltraum"}`)
	if !strings.Contains(got, "Unbekannter Produktbereich") {
		t.Errorf("result = %q", got)
	}
}

func TestResetClearsCallState(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	dispatch(t, d, "search_in_catalog", `{"katalog":"viega_profipress","suchbegriff":"bogen"}`)
	dispatch(t, d, "switch_product_domain", `{"bereich":"rohrsysteme"}`)

	d.Reset()
	if d.Domain().Key != "" {
		t.Errorf("domain after reset = %q", d.Domain().Key)
	}
	if keys := d.activeKeys(); len(keys) != 0 {
		t.Errorf("active catalogs after reset = %v", keys)
	}
}

func TestSchemasMatchDispatcher(t *testing.T) {
	known := map[string]bool{
		"find_product_catalog": true, "show_manufacturers": true,
		"search_in_catalog": true, "show_product_details": true,
		"order_add": true, "show_order": true,
		"ask_expert": true, "switch_product_domain": true,
	}
	schemas := Schemas()
	if len(schemas) != len(known) {
		t.Fatalf("schema count = %d, want %d", len(schemas), len(known))
	}
	for _, s := range schemas {
		if !known[s.Name] {
			t.Errorf("schema for unknown tool %q", s.Name)
		}
		if s.Type != "function" {
			t.Errorf("schema %s type = %q", s.Name, s.Type)
		}
	}
}

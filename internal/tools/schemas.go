package tools

import "github.com/shkvoice/shkvoice/internal/realtime"

// Schemas returns the function schemas advertised to the realtime session.
// Names and argument keys must match what Dispatch decodes.
func Schemas() []realtime.Tool {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	return []realtime.Tool{
		{
			Type:        "function",
			Name:        "find_product_catalog",
			Description: "Findet passende Herstellerkataloge zu einem Produkt-Suchbegriff und wählt bei Bedarf den Produktbereich.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"suchbegriff": str("Produktname oder Stichworte, z.B. 'Profipress Bogen 22'"),
				},
				"required": []string{"suchbegriff"},
			},
		},
		{
			Type:        "function",
			Name:        "show_manufacturers",
			Description: "Listet alle verfügbaren Herstellerkataloge mit Produktanzahl, gruppiert nach Kategorie.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        "search_in_catalog",
			Description: "Sucht Produkte in einem Herstellerkatalog.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"katalog":     str("Katalogschlüssel aus find_product_catalog, z.B. 'viega_profipress'"),
					"suchbegriff": str("Suchbegriffe"),
				},
				"required": []string{"katalog", "suchbegriff"},
			},
		},
		{
			Type:        "function",
			Name:        "show_product_details",
			Description: "Zeigt alle Details eines Artikels inklusive Preisen.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"artikelnummer": str("Artikelnummer"),
				},
				"required": []string{"artikelnummer"},
			},
		},
		{
			Type:        "function",
			Name:        "order_add",
			Description: "Nimmt eine Position in die Bestellung auf. Die Stückzahl muss der Kunde ausdrücklich genannt haben — niemals raten.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"artikelnummer": str("Artikelnummer"),
					"menge":         map[string]any{"type": "integer", "description": "Vom Kunden genannte Stückzahl"},
					"produktname":   str("Produktbezeichnung"),
				},
				"required": []string{"artikelnummer", "menge"},
			},
		},
		{
			Type:        "function",
			Name:        "show_order",
			Description: "Zeigt die aktuelle Bestellung.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Type:        "function",
			Name:        "ask_expert",
			Description: "Stellt eine komplexe Fachfrage an den SHK-Experten. Dem Kunden vorher sagen, dass ein Kollege gefragt wird.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"frage": str("Die Fachfrage im Wortlaut"),
					"dringlichkeit": map[string]any{
						"type":        "string",
						"enum":        []string{"fast", "normal", "thorough"},
						"description": "Wie gründlich recherchiert werden soll",
					},
				},
				"required": []string{"frage"},
			},
		},
		{
			Type:        "function",
			Name:        "switch_product_domain",
			Description: "Wechselt den Produktbereich (z.B. rohrsysteme, armaturen, heiztechnik, sanitaer).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"bereich": str("Schlüssel des Produktbereichs"),
				},
				"required": []string{"bereich"},
			},
		},
	}
}

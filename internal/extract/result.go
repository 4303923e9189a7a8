package extract

import (
	"encoding/json"
	"strings"

	"fakturak/internal"
)

// decodeInvoiceResult flattens the parser job body into a field bag. The
// service has shipped the payload both as a bare object and wrapped under an
// "invoice" key, so both shapes are accepted.
func decodeInvoiceResult(raw json.RawMessage) *internal.ExtractedInvoice {
	out := &internal.ExtractedInvoice{Fields: map[string]any{}}
	if len(raw) == 0 {
		return out
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		// Some responses double-encode the body as a JSON string.
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return out
		}
		if err := json.Unmarshal([]byte(inner), &body); err != nil {
			return out
		}
	}

	if wrapped, ok := body["invoice"].(map[string]any); ok {
		body = wrapped
	}

	for key, value := range body {
		if value == nil {
			continue
		}
		if isItemsKey(key) {
			out.Items = append(out.Items, coerceItems(value)...)
			continue
		}
		out.Fields[key] = value
	}

	return out
}

func isItemsKey(key string) bool {
	switch strings.ToLower(key) {
	case "items", "lineitems", "line_items", "invoiceitems", "products", "table":
		return true
	}
	return false
}

// coerceItems keeps only object-shaped rows. Parsers occasionally emit a
// single object instead of an array for one-line invoices.
func coerceItems(value any) []map[string]any {
	switch v := value.(type) {
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, entry := range v {
			if row, ok := entry.(map[string]any); ok {
				items = append(items, row)
			}
		}
		return items
	case map[string]any:
		return []map[string]any{v}
	}
	return nil
}

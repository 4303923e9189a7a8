package extract

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"fakturak/internal"
)

// localText reads the PDF on this machine, for the case where the remote
// service is unreachable but the document itself is fine.
func localText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", &Error{Msg: "open PDF locally: " + err.Error()}
	}
	defer file.Close()

	var buf bytes.Buffer
	content, err := reader.GetPlainText()
	if err != nil {
		return "", &Error{Msg: "read PDF text locally: " + err.Error()}
	}
	if _, err := buf.ReadFrom(content); err != nil {
		return "", &Error{Msg: "read PDF text locally: " + err.Error()}
	}
	return buf.String(), nil
}

var (
	invoiceNumberRe = regexp.MustCompile(`(?i)(?:invoice|faktura|doklad)\s*(?:no\.?|number|č\.|c\.)?\s*[:#]?\s*([A-Z0-9][A-Z0-9\-/]{2,})`)
	dateRe          = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}\.\d{1,2}\.\d{4}|\d{1,2}/\d{1,2}/\d{4})\b`)
	totalRe         = regexp.MustCompile(`(?i)(?:total|celkem|amount\s+due|k\s+úhradě|k\s+uhrade)\s*[:]?\s*([0-9][0-9\s.,]*[0-9]|[0-9])`)
	// The boundary assertion only works for the ASCII codes; Kč ends in a
	// non-word byte and needs its own alternative.
	currencyRe = regexp.MustCompile(`\b(CZK|EUR|USD|GBP)\b|Kč`)
)

// invoiceFromText scrapes a handful of well-known labels out of raw text.
// It is deliberately shallow; the result exists so a degraded extraction
// still reaches validation instead of failing silently.
func invoiceFromText(text string) *internal.ExtractedInvoice {
	out := &internal.ExtractedInvoice{
		Fields:  map[string]any{},
		RawText: text,
	}

	if m := invoiceNumberRe.FindStringSubmatch(text); m != nil {
		out.Fields["invoiceNumber"] = strings.TrimSpace(m[1])
	}
	if m := dateRe.FindStringSubmatch(text); m != nil {
		out.Fields["dateOfIssue"] = m[1]
	}
	if m := totalRe.FindStringSubmatch(text); m != nil {
		if amount, ok := parseAmount(m[1]); ok {
			out.Fields["totalAmount"] = amount
		}
	}
	if m := currencyRe.FindStringSubmatch(text); m != nil {
		code := m[1]
		if code == "" {
			// The Kč alternative carries no capture group.
			code = "CZK"
		}
		out.Fields["currency"] = code
	}

	return out
}

// parseAmount normalizes European and US digit grouping before parsing.
func parseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	if lastComma > lastDot {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fakturak/internal"
	"fakturak/internal/idoklad"
)

// Invoice is the transformation output: a payload ready for creation, plus
// the partner name that still needs resolving to a contact id.
type Invoice struct {
	PartnerName string
	Payload     idoklad.InvoicePayload
}

// Extraction backends disagree on field naming, so each logical field is
// resolved against an ordered candidate list. First present key wins.
var fieldCandidates = map[string][]string{
	"documentNumber": {"invoiceNumber", "documentNumber", "invoiceId", "number", "invoiceNo"},
	"dateOfIssue":    {"dateOfIssue", "issueDate", "invoiceDate", "date", "dateIssued"},
	"dateOfTaxing":   {"dateOfTaxing", "taxDate", "taxableSupplyDate"},
	"dateOfMaturity": {"dateOfMaturity", "dueDate", "maturityDate", "paymentDue"},
	"partnerName":    {"partnerName", "vendorName", "supplierName", "companyName", "vendor", "seller", "billFrom"},
	"currency":       {"currency", "currencyCode"},
	"totalAmount":    {"totalAmount", "total", "amountDue", "grandTotal", "totalPrice"},
}

var itemCandidates = map[string][]string{
	"name":      {"description", "name", "item", "product", "title"},
	"amount":    {"quantity", "amount", "qty", "count"},
	"unitPrice": {"unitPrice", "price", "rate", "unitCost"},
}

var currencyIDs = map[string]int{
	"CZK": 1,
	"EUR": 2,
	"USD": 3,
	"GBP": 4,
}

// dateLayouts in resolution order. ISO first, then the Czech and European
// forms, US last so an ambiguous day/month reads European.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"2/1/2006",
	"01/02/2006",
	"1/2/2006",
}

// NormalizeDate parses any supported date form into the canonical
// YYYY-MM-DD the invoice API expects.
func NormalizeDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date format: %q", value)
}

// CurrencyID maps a currency code to the API's currency id. Unknown codes
// fall back to CZK.
func CurrencyID(code string) (int, bool) {
	id, ok := currencyIDs[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return currencyIDs["CZK"], false
	}
	return id, true
}

// ToInvoicePayload maps an extracted field bag onto an invoice payload and
// reports how trustworthy the mapping is. A payload is returned even when
// validation fails so callers can inspect or force-submit it.
func ToInvoicePayload(extracted *internal.ExtractedInvoice) (*Invoice, *internal.ValidationResult) {
	result := &internal.ValidationResult{}
	fields := newBag(extracted.Fields)

	invoice := &Invoice{
		Payload: idoklad.InvoicePayload{
			PaymentOptionID:  1,
			ConstantSymbolID: 7,
			ReportLanguage:   1,
		},
	}

	number := fields.str("documentNumber")
	requireField(result, "documentNumber", number != "")
	invoice.Payload.DocumentNumber = number

	invoice.PartnerName = fields.str("partnerName")
	requireField(result, "partnerName", invoice.PartnerName != "")

	issue := fields.str("dateOfIssue")
	if issue != "" {
		normalized, err := NormalizeDate(issue)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			issue = ""
		} else {
			issue = normalized
		}
	}
	requireField(result, "dateOfIssue", issue != "")
	invoice.Payload.DateOfIssue = issue

	invoice.Payload.DateOfTaxing = optionalDate(result, fields.str("dateOfTaxing"), issue)
	maturityDefault := ""
	if issue != "" {
		if parsed, err := time.Parse("2006-01-02", issue); err == nil {
			maturityDefault = parsed.AddDate(0, 0, 14).Format("2006-01-02")
		}
	}
	invoice.Payload.DateOfMaturity = optionalDate(result, fields.str("dateOfMaturity"), maturityDefault)

	currency := fields.str("currency")
	id, known := CurrencyID(currency)
	if currency != "" && !known {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown currency %q, assuming CZK", currency))
	}
	invoice.Payload.CurrencyID = id

	invoice.Payload.Items = normalizeItems(extracted.Items, result)
	requireField(result, "items", len(invoice.Payload.Items) > 0)

	if invoice.PartnerName != "" {
		invoice.Payload.Description = invoice.PartnerName
		if number != "" {
			invoice.Payload.Description = fmt.Sprintf("%s %s", invoice.PartnerName, number)
		}
	}

	result.IsValid = len(result.RequiredFieldsMissing) == 0 && len(result.Errors) == 0
	return invoice, result
}

func requireField(result *internal.ValidationResult, name string, present bool) {
	if present {
		result.RequiredFieldsPresent = append(result.RequiredFieldsPresent, name)
	} else {
		result.RequiredFieldsMissing = append(result.RequiredFieldsMissing, name)
		result.Errors = append(result.Errors, "missing required field: "+name)
	}
}

// optionalDate normalizes a non-required date, warning instead of failing
// on a bad value.
func optionalDate(result *internal.ValidationResult, value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	normalized, err := NormalizeDate(value)
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
		return fallback
	}
	return normalized
}

func normalizeItems(rows []map[string]any, result *internal.ValidationResult) []idoklad.InvoiceItem {
	items := make([]idoklad.InvoiceItem, 0, len(rows))
	for i, row := range rows {
		bag := newBag(row)

		name := bag.str("name")
		if name == "" {
			name = fmt.Sprintf("Item %d", i+1)
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d has no description", i+1))
		}

		amount, ok := bag.num("amount")
		if !ok || amount <= 0 {
			amount = 1
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d has no quantity, assuming 1", i+1))
		}

		price, ok := bag.num("unitPrice")
		if !ok {
			price = 0
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d has no unit price, assuming 0", i+1))
		}

		items = append(items, idoklad.InvoiceItem{
			Name:        name,
			Amount:      amount,
			UnitPrice:   price,
			PriceType:   1,
			VatRateType: 2,
		})
	}
	return items
}

// bag wraps a raw field map with case- and separator-insensitive candidate
// lookup.
type bag struct {
	values map[string]any
}

func newBag(raw map[string]any) bag {
	values := make(map[string]any, len(raw))
	for key, value := range raw {
		values[canonicalKey(key)] = value
	}
	return bag{values: values}
}

func canonicalKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	key = strings.ReplaceAll(key, " ", "")
	return key
}

func (b bag) lookup(field string) (any, bool) {
	candidates := fieldCandidates[field]
	if candidates == nil {
		candidates = itemCandidates[field]
	}
	for _, candidate := range candidates {
		if value, ok := b.values[canonicalKey(candidate)]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

func (b bag) str(field string) string {
	value, ok := b.lookup(field)
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (b bag) num(field string) (float64, bool) {
	value, ok := b.lookup(field)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

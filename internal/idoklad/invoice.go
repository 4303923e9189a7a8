package idoklad

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// InvoiceItem is one billed line. PriceType 1 means the unit price is
// without VAT, VatRateType 2 selects the basic rate.
type InvoiceItem struct {
	Name        string  `json:"Name"`
	Amount      float64 `json:"Amount"`
	UnitPrice   float64 `json:"UnitPrice"`
	PriceType   int     `json:"PriceType"`
	VatRateType int     `json:"VatRateType"`
}

// InvoicePayload is the issued-invoice creation body.
type InvoicePayload struct {
	PartnerID            int64         `json:"PartnerId"`
	Description          string        `json:"Description"`
	DocumentNumber       string        `json:"DocumentNumber,omitempty"`
	DateOfIssue          string        `json:"DateOfIssue"`
	DateOfTaxing         string        `json:"DateOfTaxing"`
	DateOfMaturity       string        `json:"DateOfMaturity"`
	CurrencyID           int           `json:"CurrencyId"`
	PaymentOptionID      int           `json:"PaymentOptionId"`
	ConstantSymbolID     int           `json:"ConstantSymbolId"`
	NumericSequenceID    int64         `json:"NumericSequenceId"`
	DocumentSerialNumber int           `json:"DocumentSerialNumber"`
	ReportLanguage       int           `json:"ReportLanguage"`
	Items                []InvoiceItem `json:"Items"`
}

// NumericSequence is the slice of the sequence record creation needs.
type NumericSequence struct {
	ID         int64
	LastNumber int
}

// CreatedInvoice is the confirmation pulled from a successful creation
// response.
type CreatedInvoice struct {
	ID             int64
	DocumentNumber string
}

// ResolveNumericSequence picks the sequence new invoices are numbered from.
// Preference order: the default issued-invoice sequence, then any
// issued-invoice sequence, then whatever the account has at all.
func (c *Client) ResolveNumericSequence(ctx context.Context) (*NumericSequence, error) {
	raw, err := c.Resource("NumericSequences").List(ctx, nil)
	if err != nil {
		return nil, err
	}

	rows, err := listItems(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("idoklad: account has no numeric sequences")
	}

	pick := func(match func(map[string]any) bool) map[string]any {
		for _, row := range rows {
			if match(row) {
				return row
			}
		}
		return nil
	}

	issuedInvoice := func(row map[string]any) bool {
		return numberField(row, "DocumentType") == 0
	}

	row := pick(func(r map[string]any) bool {
		isDefault, _ := r["IsDefault"].(bool)
		return issuedInvoice(r) && isDefault
	})
	if row == nil {
		row = pick(issuedInvoice)
	}
	if row == nil {
		row = rows[0]
	}

	seq := &NumericSequence{ID: int64(numberField(row, "Id"))}
	if last, ok := firstNumber(row, "LastNumber", "LastDocumentSerialNumber"); ok {
		seq.LastNumber = int(last)
	}
	if seq.ID == 0 {
		return nil, fmt.Errorf("idoklad: numeric sequence record has no id")
	}
	return seq, nil
}

// CreateInvoice posts the payload, resolving the numeric sequence and
// stamping a serial number first when the caller left them blank.
func (c *Client) CreateInvoice(ctx context.Context, payload *InvoicePayload) (*CreatedInvoice, error) {
	if payload.NumericSequenceID == 0 {
		seq, err := c.ResolveNumericSequence(ctx)
		if err != nil {
			return nil, err
		}
		payload.NumericSequenceID = seq.ID
		payload.DocumentSerialNumber = seq.LastNumber + 1
	}
	if payload.DocumentNumber == "" {
		payload.DocumentNumber = fmt.Sprintf("%d%04d", time.Now().Year(), payload.DocumentSerialNumber)
	}

	raw, err := c.Resource("IssuedInvoices").Create(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeCreatedInvoice(raw, payload.DocumentNumber)
}

func decodeCreatedInvoice(raw json.RawMessage, fallbackNumber string) (*CreatedInvoice, error) {
	var row map[string]any
	if err := json.Unmarshal(unwrapData(raw), &row); err != nil {
		return nil, fmt.Errorf("idoklad: decode create response: %w", err)
	}

	created := &CreatedInvoice{
		ID:             int64(numberField(row, "Id")),
		DocumentNumber: fallbackNumber,
	}
	if number, ok := row["DocumentNumber"].(string); ok && number != "" {
		created.DocumentNumber = number
	}
	if created.ID == 0 {
		return nil, fmt.Errorf("idoklad: create response carries no invoice id")
	}
	return created, nil
}

// EnsurePartner finds the contact with the given company name, creating it
// when absent, and returns its id.
func (c *Client) EnsurePartner(ctx context.Context, name string) (int64, error) {
	query := url.Values{}
	query.Set("filter", "CompanyName~eq~"+name)

	raw, err := c.Resource("Contacts").List(ctx, query)
	if err != nil {
		return 0, err
	}
	rows, err := listItems(raw)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if id := int64(numberField(row, "Id")); id != 0 {
			return id, nil
		}
	}

	created, err := c.Resource("Contacts").Create(ctx, map[string]any{
		"CompanyName": name,
		"CountryId":   1,
	})
	if err != nil {
		return 0, err
	}

	var row map[string]any
	if err := json.Unmarshal(unwrapData(created), &row); err != nil {
		return 0, fmt.Errorf("idoklad: decode contact response: %w", err)
	}
	id := int64(numberField(row, "Id"))
	if id == 0 {
		return 0, fmt.Errorf("idoklad: contact response carries no id")
	}
	return id, nil
}

// numberField reads a numeric JSON field, returning 0 when absent or
// non-numeric.
func numberField(row map[string]any, key string) float64 {
	value, _ := row[key].(float64)
	return value
}

func firstNumber(row map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if value, ok := row[key].(float64); ok {
			return value, true
		}
	}
	return 0, false
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"fakturak/internal"
	"fakturak/internal/idoklad"
	"fakturak/internal/storage"
)

type fakeExtractor struct {
	result   *internal.ExtractedInvoice
	err      error
	failPath string
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (*internal.ExtractedInvoice, error) {
	if f.failPath != "" && path == f.failPath {
		return nil, errors.New("unreadable document")
	}
	return f.result, f.err
}

type fakeClient struct {
	partnerID  int64
	partnerErr error
	created    *idoklad.CreatedInvoice
	createErr  error

	lastPayload *idoklad.InvoicePayload
}

func (f *fakeClient) EnsurePartner(ctx context.Context, name string) (int64, error) {
	return f.partnerID, f.partnerErr
}

func (f *fakeClient) CreateInvoice(ctx context.Context, payload *idoklad.InvoicePayload) (*idoklad.CreatedInvoice, error) {
	f.lastPayload = payload
	return f.created, f.createErr
}

func newTestProcessor(t *testing.T, extractor Extractor, client InvoiceClient) (*Processor, *storage.DB, string) {
	t.Helper()
	tmp := t.TempDir()
	db, err := storage.Open(filepath.Join(tmp, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	archiveDir := filepath.Join(tmp, "archive")
	p := &Processor{
		db:         db,
		extractor:  extractor,
		newClient:  func(user *internal.AuthorizedUser) InvoiceClient { return client },
		archiveDir: archiveDir,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return p, db, tmp
}

func enqueueTestItem(t *testing.T, db *storage.DB, dir string) int64 {
	t.Helper()
	if _, err := db.AddAuthorizedUser(internal.AuthorizedUser{
		Email:        "billing@acme.test",
		Name:         "Acme",
		ClientID:     "cid",
		ClientSecret: "sec",
	}); err != nil {
		t.Fatal(err)
	}

	pdfPath := filepath.Join(dir, "invoice.pdf")
	if err := os.WriteFile(pdfPath, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := db.Enqueue(internal.QueueItem{
		MessageID:      "<m1@acme.test>",
		EmailFrom:      "billing@acme.test",
		EmailSubject:   "Invoice INV-1",
		AttachmentName: "invoice.pdf",
		AttachmentPath: pdfPath,
		AttachmentHash: "hash-1",
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func goodExtraction() *internal.ExtractedInvoice {
	return &internal.ExtractedInvoice{
		Fields: map[string]any{
			"invoiceNumber": "INV-1",
			"dateOfIssue":   "2025-01-15",
			"partnerName":   "Acme",
		},
		Items:  []map[string]any{{"description": "Service", "quantity": float64(1), "unitPrice": float64(100)}},
		Source: "ai-invoice-parser",
	}
}

func TestProcessItemEndToEnd(t *testing.T) {
	client := &fakeClient{
		partnerID: 12,
		created:   &idoklad.CreatedInvoice{ID: 42, DocumentNumber: "2025001"},
	}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: goodExtraction()}, client)
	id := enqueueTestItem(t, db, tmp)

	if err := p.ProcessItem(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	item, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != internal.StatusCompleted {
		t.Fatalf("status = %s, lastError = %q", item.Status, item.LastError)
	}
	if item.InvoiceID == nil || *item.InvoiceID != 42 {
		t.Fatalf("invoiceId = %v", item.InvoiceID)
	}
	if item.DocumentNumber == nil || *item.DocumentNumber != "2025001" {
		t.Fatalf("documentNumber = %v", item.DocumentNumber)
	}

	if client.lastPayload.PartnerID != 12 {
		t.Fatalf("partnerId = %d", client.lastPayload.PartnerID)
	}
	if client.lastPayload.DateOfIssue != "2025-01-15" {
		t.Fatalf("dateOfIssue = %q", client.lastPayload.DateOfIssue)
	}

	archived := filepath.Join(p.archiveDir, "completed", "invoice.pdf")
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("attachment not archived: %v", err)
	}

	steps, err := db.GetSteps(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) < 4 {
		t.Fatalf("expected step log entries, got %d", len(steps))
	}
}

func TestLostClaimIsNotCountedAsCompletion(t *testing.T) {
	client := &fakeClient{
		partnerID: 12,
		created:   &idoklad.CreatedInvoice{ID: 42, DocumentNumber: "2025001"},
	}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: goodExtraction()}, client)
	id := enqueueTestItem(t, db, tmp)

	// Another invocation already took the item.
	if ok, err := db.ClaimItem(id); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	err := p.ProcessItem(context.Background(), id)
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("err = %v", err)
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusProcessing {
		t.Fatalf("status = %s, losing the claim must not touch the item", item.Status)
	}
	if client.lastPayload != nil {
		t.Fatal("pipeline ran despite the lost claim")
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	extraction := &internal.ExtractedInvoice{Fields: map[string]any{"total": float64(10)}}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: extraction}, &fakeClient{})
	id := enqueueTestItem(t, db, tmp)

	err := p.ProcessItem(context.Background(), id)
	var stageError *StageError
	if !errors.As(err, &stageError) || stageError.Kind != KindValidation {
		t.Fatalf("err = %v", err)
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusFailed {
		t.Fatalf("status = %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("attempts = %d, invalid documents must fail on the first attempt", item.Attempts)
	}
}

func TestExtractionErrorIsRequeued(t *testing.T) {
	p, db, tmp := newTestProcessor(t, &fakeExtractor{err: errors.New("connection refused")}, &fakeClient{})
	id := enqueueTestItem(t, db, tmp)

	if err := p.ProcessItem(context.Background(), id); err == nil {
		t.Fatal("expected error")
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusPending {
		t.Fatalf("status = %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("attempts = %d", item.Attempts)
	}
	if item.LastError == "" {
		t.Fatal("lastError not recorded")
	}
}

func TestRetryBudgetExhaustionFails(t *testing.T) {
	p, db, tmp := newTestProcessor(t, &fakeExtractor{err: errors.New("connection refused")}, &fakeClient{})
	id := enqueueTestItem(t, db, tmp)

	for i := 0; i < 3; i++ {
		_ = p.ProcessItem(context.Background(), id)
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusFailed {
		t.Fatalf("status = %s after exhausting attempts", item.Status)
	}
	if item.Attempts != 3 {
		t.Fatalf("attempts = %d", item.Attempts)
	}
}

func TestRejectedPayloadIsTerminal(t *testing.T) {
	client := &fakeClient{
		partnerID: 12,
		createErr: &idoklad.APIError{StatusCode: 400, Message: "The request is invalid."},
	}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: goodExtraction()}, client)
	id := enqueueTestItem(t, db, tmp)

	err := p.ProcessItem(context.Background(), id)
	var stageError *StageError
	if !errors.As(err, &stageError) || stageError.Kind != KindAPI {
		t.Fatalf("err = %v", err)
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusFailed {
		t.Fatalf("status = %s, a 4xx will fail identically on retry", item.Status)
	}
}

func TestServerErrorIsRequeued(t *testing.T) {
	client := &fakeClient{
		partnerID: 12,
		createErr: &idoklad.APIError{StatusCode: 503, Message: "maintenance"},
	}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: goodExtraction()}, client)
	id := enqueueTestItem(t, db, tmp)

	if err := p.ProcessItem(context.Background(), id); err == nil {
		t.Fatal("expected error")
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusPending {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestSubmitInvalidOverride(t *testing.T) {
	extraction := &internal.ExtractedInvoice{
		Fields: map[string]any{"partnerName": "Acme", "dateOfIssue": "2025-01-15"},
		Items:  []map[string]any{{"description": "Service"}},
	}
	client := &fakeClient{
		partnerID: 12,
		created:   &idoklad.CreatedInvoice{ID: 7, DocumentNumber: "20250007"},
	}
	p, db, tmp := newTestProcessor(t, &fakeExtractor{result: extraction}, client)
	p.submitInvalid = true
	id := enqueueTestItem(t, db, tmp)

	if err := p.ProcessItem(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	item, _ := db.GetItem(id)
	if item.Status != internal.StatusCompleted {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestProcessPendingContinuesPastFailures(t *testing.T) {
	client := &fakeClient{
		partnerID: 12,
		created:   &idoklad.CreatedInvoice{ID: 1, DocumentNumber: "20250001"},
	}
	extractor := &fakeExtractor{result: goodExtraction()}
	p, db, tmp := newTestProcessor(t, extractor, client)

	first := enqueueTestItem(t, db, tmp)
	extractor.failPath = filepath.Join(tmp, "missing.pdf")
	second, err := db.Enqueue(internal.QueueItem{
		MessageID:      "<m2@acme.test>",
		EmailFrom:      "billing@acme.test",
		EmailSubject:   "Invoice INV-2",
		AttachmentName: "missing.pdf",
		AttachmentPath: filepath.Join(tmp, "missing.pdf"),
		AttachmentHash: "hash-2",
		MaxAttempts:    1,
	})
	if err != nil {
		t.Fatal(err)
	}

	completed, err := p.ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if completed != 1 {
		t.Fatalf("completed = %d", completed)
	}

	firstItem, _ := db.GetItem(first)
	if firstItem.Status != internal.StatusCompleted {
		t.Fatalf("first item status = %s", firstItem.Status)
	}
	secondItem, _ := db.GetItem(second)
	if secondItem.Status != internal.StatusFailed {
		t.Fatalf("second item status = %s", secondItem.Status)
	}
}

package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"fakturak/internal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnqueueRejectsDuplicateInFlight(t *testing.T) {
	db := openTestDB(t)

	item := internal.QueueItem{
		MessageID:      "<msg-1@example.com>",
		EmailFrom:      "billing@acme.test",
		EmailSubject:   "Invoice INV-1",
		AttachmentPath: "/tmp/inv1.pdf",
		AttachmentHash: "abc123",
	}

	id, err := db.Enqueue(item)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	if _, err := db.Enqueue(item); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Terminal state frees the dedup key.
	if err := db.MarkFailed(id, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Enqueue(item); err != nil {
		t.Fatalf("expected re-enqueue after terminal state, got %v", err)
	}
}

func TestEnqueueDuplicateUnderConcurrentPolls(t *testing.T) {
	db := openTestDB(t)

	item := internal.QueueItem{
		MessageID:      "<race@example.com>",
		EmailFrom:      "billing@acme.test",
		EmailSubject:   "Invoice INV-9",
		AttachmentPath: "/tmp/inv9.pdf",
		AttachmentHash: "racehash",
	}

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Enqueue(item)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	inserted, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrDuplicate):
			duplicates++
		default:
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	if inserted != 1 || duplicates != workers-1 {
		t.Fatalf("inserted=%d duplicates=%d", inserted, duplicates)
	}

	items, err := db.ListItems("", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("queue holds %d rows for one attachment", len(items))
	}
}

func TestDuplicateRowRejectedBySchema(t *testing.T) {
	db := openTestDB(t)

	item := internal.QueueItem{
		MessageID:      "<backstop@example.com>",
		EmailFrom:      "billing@acme.test",
		EmailSubject:   "Invoice INV-10",
		AttachmentPath: "/tmp/inv10.pdf",
		AttachmentHash: "backstophash",
	}
	if _, err := db.Enqueue(item); err != nil {
		t.Fatal(err)
	}

	// A raw insert that bypasses the guarded statement must still be
	// rejected by the unique index on the active dedup tuple.
	_, err := db.conn.Exec(`
INSERT INTO queue (messageId, emailFrom, emailSubject, attachmentName, attachmentPath, attachmentHash, status, maxAttempts)
VALUES (?, ?, ?, ?, ?, ?, 'pending', 3)
`, item.MessageID, item.EmailFrom, item.EmailSubject, item.AttachmentName, item.AttachmentPath, item.AttachmentHash)
	if err == nil {
		t.Fatal("schema accepted a second active row for the same attachment")
	}
	if !isConstraintViolation(err) {
		t.Fatalf("expected a constraint violation, got %v", err)
	}
}

func TestClaimItemIsExclusive(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue(internal.QueueItem{
		MessageID:      "<msg-2@example.com>",
		EmailFrom:      "billing@acme.test",
		AttachmentPath: "/tmp/inv2.pdf",
		AttachmentHash: "def456",
	})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := db.ClaimItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should win")
	}

	claimed, err = db.ClaimItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("second claim should lose")
	}

	item, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != internal.StatusProcessing {
		t.Fatalf("status = %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("attempts = %d", item.Attempts)
	}
}

func TestListPendingHonoursAttemptBudget(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue(internal.QueueItem{
		MessageID:      "<msg-3@example.com>",
		EmailFrom:      "billing@acme.test",
		AttachmentPath: "/tmp/inv3.pdf",
		AttachmentHash: "ghi789",
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if ok, err := db.ClaimItem(id); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if err := db.Requeue(id, "transient"); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.ListPending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected exhausted item to be excluded, got %d", len(pending))
	}

	// Manual reprocessing resets the budget.
	if err := db.ReprocessItem(id); err != nil {
		t.Fatal(err)
	}
	pending, err = db.ListPending(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("unexpected pending after reprocess: %+v", pending)
	}
}

func TestResetStuckItems(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue(internal.QueueItem{
		MessageID:      "<msg-4@example.com>",
		EmailFrom:      "billing@acme.test",
		AttachmentPath: "/tmp/inv4.pdf",
		AttachmentHash: "jkl012",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := db.ClaimItem(id); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Backdate the claim beyond the staleness window.
	if _, err := db.conn.Exec(`UPDATE queue SET updatedAt = datetime('now', '-10 minutes') WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	count, err := db.ResetStuckItems(300)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("reset count = %d", count)
	}

	item, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != internal.StatusPending {
		t.Fatalf("status = %s", item.Status)
	}
	if item.Attempts != 1 {
		t.Fatalf("attempts changed by sweep: %d", item.Attempts)
	}

	// Fresh processing items are left alone.
	if ok, _ := db.ClaimItem(id); !ok {
		t.Fatal("reclaim failed")
	}
	count, err = db.ResetStuckItems(300)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("fresh item swept: count = %d", count)
	}
}

func TestCancelAndStatistics(t *testing.T) {
	db := openTestDB(t)

	first, err := db.Enqueue(internal.QueueItem{
		MessageID: "<a@x>", EmailFrom: "a@x", AttachmentPath: "/tmp/a.pdf", AttachmentHash: "a",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.Enqueue(internal.QueueItem{
		MessageID: "<b@x>", EmailFrom: "b@x", AttachmentPath: "/tmp/b.pdf", AttachmentHash: "b",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.CancelItem(first); err != nil {
		t.Fatal(err)
	}
	if err := db.CancelItem(first); err == nil {
		t.Fatal("cancel of terminal item should fail")
	}
	if err := db.MarkCompleted(second, 42, "2025001"); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 || stats.Completed != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	item, err := db.GetItem(second)
	if err != nil {
		t.Fatal(err)
	}
	if item.InvoiceID == nil || *item.InvoiceID != 42 {
		t.Fatalf("invoice id not stored: %+v", item.InvoiceID)
	}
	if item.DocumentNumber == nil || *item.DocumentNumber != "2025001" {
		t.Fatalf("document number not stored: %+v", item.DocumentNumber)
	}
}

func TestMarkFailedTruncatesAtRuneBoundary(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue(internal.QueueItem{
		MessageID: "<d@x>", EmailFrom: "d@x", AttachmentPath: "/tmp/d.pdf", AttachmentHash: "d",
	})
	if err != nil {
		t.Fatal(err)
	}

	// 2100 bytes of 3-byte runes: a byte-offset cut at 2000 would land
	// inside a sequence.
	long := strings.Repeat("€", 700)
	if err := db.MarkFailed(id, long); err != nil {
		t.Fatal(err)
	}

	item, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(item.LastError) > 2000 {
		t.Fatalf("lastError not truncated: %d bytes", len(item.LastError))
	}
	if !utf8.ValidString(item.LastError) {
		t.Fatal("lastError is not valid UTF-8 after truncation")
	}
}

func TestAuthorizedUserLookupIsCaseInsensitive(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.AddAuthorizedUser(internal.AuthorizedUser{
		Email: "Billing@Acme.test", Name: "Acme", ClientID: "cid", ClientSecret: "secret",
	}); err != nil {
		t.Fatal(err)
	}

	user, err := db.GetAuthorizedUser("billing@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	if user == nil || user.ClientID != "cid" {
		t.Fatalf("lookup failed: %+v", user)
	}

	user, err = db.GetAuthorizedUser("unknown@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		t.Fatal("unknown sender should not resolve")
	}
}

func TestAddStepKeepsCurrentStepInSync(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue(internal.QueueItem{
		MessageID: "<c@x>", EmailFrom: "c@x", AttachmentPath: "/tmp/c.pdf", AttachmentHash: "c",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.AddStep(id, "Extracting invoice data", map[string]any{"backend": "pdfco"}); err != nil {
		t.Fatal(err)
	}

	item, err := db.GetItem(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.CurrentStep != "Extracting invoice data" {
		t.Fatalf("currentStep = %q", item.CurrentStep)
	}

	steps, err := db.GetSteps(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Step != "Extracting invoice data" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fakturak/internal"
	"fakturak/internal/config"
	"fakturak/internal/idoklad"
	"fakturak/internal/storage"
	"fakturak/internal/transform"
)

// Extractor turns a stored PDF into a field bag.
type Extractor interface {
	Extract(ctx context.Context, path string) (*internal.ExtractedInvoice, error)
}

// InvoiceClient is the slice of the accounting API the processor needs.
type InvoiceClient interface {
	EnsurePartner(ctx context.Context, name string) (int64, error)
	CreateInvoice(ctx context.Context, payload *idoklad.InvoicePayload) (*idoklad.CreatedInvoice, error)
}

// ClientFactory builds an API client bound to one sender's credentials.
type ClientFactory func(user *internal.AuthorizedUser) InvoiceClient

// Processor drives claimed queue items through extraction, transformation
// and submission. Failures are classified and either requeued or parked as
// failed, never retried blindly.
type Processor struct {
	db            *storage.DB
	extractor     Extractor
	newClient     ClientFactory
	archiveDir    string
	submitInvalid bool
	logger        *slog.Logger
}

func NewProcessor(db *storage.DB, extractor Extractor, cfg config.Config, logger *slog.Logger) *Processor {
	tokenCache := idoklad.NewMemoryTokenCache()
	factory := func(user *internal.AuthorizedUser) InvoiceClient {
		baseURL := cfg.IDokladAPIBaseURL
		if user.APIBaseURL != "" {
			baseURL = user.APIBaseURL
		}
		return idoklad.NewClient(
			baseURL,
			cfg.IDokladTokenURL,
			cfg.IDokladScope,
			idoklad.Credentials{ClientID: user.ClientID, ClientSecret: user.ClientSecret},
			idoklad.WithTokenCache(tokenCache),
			idoklad.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.IDokladTimeoutMs) * time.Millisecond}),
			idoklad.WithLogger(logger),
		)
	}

	return &Processor{
		db:            db,
		extractor:     extractor,
		newClient:     factory,
		archiveDir:    cfg.ArchiveDir,
		submitInvalid: cfg.SubmitInvalid,
		logger:        logger,
	}
}

// ProcessPending claims and processes up to batch pending items. One item's
// failure never stops the rest; the count of items that completed is
// returned.
func (p *Processor) ProcessPending(ctx context.Context, batch int) (int, error) {
	items, err := p.db.ListPending(batch)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		err := p.ProcessItem(ctx, item.ID)
		if errors.Is(err, ErrNotClaimed) {
			continue
		}
		if err != nil {
			p.logger.Warn("item did not complete", "queueId", item.ID, "error", err)
			continue
		}
		completed++
	}
	return completed, nil
}

// ProcessItem runs one item end to end. The claim is atomic, so concurrent
// workers calling this for the same id do the work once; the losers get
// ErrNotClaimed.
func (p *Processor) ProcessItem(ctx context.Context, id int64) error {
	claimed, err := p.db.ClaimItem(id)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.Debug("item not claimable, skipping", "queueId", id)
		return ErrNotClaimed
	}

	item, err := p.db.GetItem(id)
	if err != nil {
		return err
	}

	if stageError := p.runStages(ctx, item); stageError != nil {
		return p.handleFailure(item, stageError)
	}
	return nil
}

func (p *Processor) runStages(ctx context.Context, item *internal.QueueItem) *StageError {
	user, err := p.db.GetAuthorizedUser(item.EmailFrom)
	if err != nil {
		return stageErr("load credentials", KindConfig, err)
	}
	if user == nil {
		return stageErr("load credentials", KindConfig, fmt.Errorf("sender %s is no longer authorized", item.EmailFrom))
	}
	if user.ClientID == "" || user.ClientSecret == "" {
		return stageErr("load credentials", KindConfig, fmt.Errorf("sender %s has no API credentials", item.EmailFrom))
	}

	_ = p.db.AddStep(item.ID, "Extracting invoice data", map[string]any{"attachment": item.AttachmentName})
	extracted, err := p.extractor.Extract(ctx, item.AttachmentPath)
	if err != nil {
		return stageErr("extract", KindExtraction, err)
	}
	_ = p.db.AddStep(item.ID, "Extraction finished", map[string]any{
		"source": extracted.Source,
		"fields": len(extracted.Fields),
		"items":  len(extracted.Items),
	})

	invoice, validation := transform.ToInvoicePayload(extracted)
	_ = p.db.AddStep(item.ID, "Validated extracted data", validationDetail(validation))
	if !validation.IsValid && !p.submitInvalid {
		return stageErr("validate", KindValidation, fmt.Errorf("document failed validation: %v", validation.Errors))
	}

	client := p.newClient(user)

	if invoice.PartnerName != "" {
		partnerID, err := client.EnsurePartner(ctx, invoice.PartnerName)
		if err != nil {
			return classifyAPIError("resolve partner", err)
		}
		invoice.Payload.PartnerID = partnerID
		_ = p.db.AddStep(item.ID, "Partner resolved", map[string]any{"partnerId": partnerID, "name": invoice.PartnerName})
	}

	_ = p.db.AddStep(item.ID, "Submitting invoice", map[string]any{"documentNumber": invoice.Payload.DocumentNumber})
	created, err := client.CreateInvoice(ctx, &invoice.Payload)
	if err != nil {
		return classifyAPIError("create invoice", err)
	}

	if err := p.db.MarkCompleted(item.ID, created.ID, created.DocumentNumber); err != nil {
		return stageErr("finalize", KindConfig, err)
	}
	_ = p.db.AddStep(item.ID, "Invoice created", map[string]any{
		"invoiceId":      created.ID,
		"documentNumber": created.DocumentNumber,
	})
	p.archiveAttachment(item, "completed")

	p.logger.Info("invoice created",
		"queueId", item.ID,
		"invoiceId", created.ID,
		"documentNumber", created.DocumentNumber,
		"from", item.EmailFrom)
	return nil
}

// handleFailure decides between requeue and terminal failure. The claim
// already charged this attempt, so the budget check compares against the
// refreshed item.
func (p *Processor) handleFailure(item *internal.QueueItem, stageError *StageError) error {
	_ = p.db.AddStep(item.ID, "Processing failed", map[string]any{
		"stage": stageError.Stage,
		"kind":  string(stageError.Kind),
		"error": stageError.Err.Error(),
	})

	if stageError.Retryable() && item.Attempts < item.MaxAttempts {
		if err := p.db.Requeue(item.ID, stageError.Error()); err != nil {
			return err
		}
		p.logger.Warn("item requeued",
			"queueId", item.ID,
			"attempt", item.Attempts,
			"maxAttempts", item.MaxAttempts,
			"error", stageError)
		return stageError
	}

	if err := p.db.MarkFailed(item.ID, stageError.Error()); err != nil {
		return err
	}
	p.archiveAttachment(item, "failed")
	p.logger.Error("item failed permanently",
		"queueId", item.ID,
		"attempt", item.Attempts,
		"kind", string(stageError.Kind),
		"error", stageError)
	return stageError
}

// classifyAPIError maps accounting API failures onto retry semantics:
// missing credentials are configuration, 401/403 are auth, other HTTP
// errors stay API-kind and transport errors count as network.
func classifyAPIError(stage string, err error) *StageError {
	if errors.Is(err, idoklad.ErrMissingCredentials) {
		return stageErr(stage, KindConfig, err)
	}
	var apiErr *idoklad.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return stageErr(stage, KindAuth, err)
		}
		return stageErr(stage, KindAPI, err)
	}
	return stageErr(stage, KindNetwork, err)
}

func validationDetail(v *internal.ValidationResult) map[string]any {
	return map[string]any{
		"isValid":  v.IsValid,
		"missing":  v.RequiredFieldsMissing,
		"errors":   v.Errors,
		"warnings": v.Warnings,
	}
}

// archiveAttachment moves the stored PDF under the archive directory once
// the item reaches a terminal state. Archiving is best effort.
func (p *Processor) archiveAttachment(item *internal.QueueItem, outcome string) {
	if p.archiveDir == "" || item.AttachmentPath == "" {
		return
	}
	dir := filepath.Join(p.archiveDir, outcome)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("archive directory unavailable", "dir", dir, "error", err)
		return
	}
	target := filepath.Join(dir, filepath.Base(item.AttachmentPath))
	if err := os.Rename(item.AttachmentPath, target); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("could not archive attachment", "path", item.AttachmentPath, "error", err)
	}
}

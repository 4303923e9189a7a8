package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fakturak/internal/config"
	"fakturak/internal/connectors"
	gmailconnector "fakturak/internal/connectors/gmail"
	imapconnector "fakturak/internal/connectors/imap"
	"fakturak/internal/extract"
	"fakturak/internal/ingest"
	"fakturak/internal/pipeline"
	"fakturak/internal/storage"
)

// Service runs the poll-and-process loop: sweep stuck items, fetch new
// mail, then drive a batch through the processor.
type Service struct {
	db        *storage.DB
	cfg       config.Config
	logger    *slog.Logger
	processor *pipeline.Processor
}

func NewService(db *storage.DB, cfg config.Config, logger *slog.Logger) *Service {
	extractor := extract.NewClient(cfg, logger)
	return &Service{
		db:        db,
		cfg:       cfg,
		logger:    logger,
		processor: pipeline.NewProcessor(db, extractor, cfg, logger),
	}
}

func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.runCycle(ctx); err != nil {
			s.logger.Error("listener cycle error", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(s.cfg.PollIntervalSec) * time.Second):
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	reset, err := s.db.ResetStuckItems(s.cfg.StuckAfterSec)
	if err != nil {
		return err
	}
	if reset > 0 {
		s.logger.Warn("reset stuck items", "count", reset)
	}

	mailConnector, err := MakeConnector(s.cfg, s.cfg.MailProvider)
	if err != nil {
		return err
	}

	svc := ingest.NewService(s.db, mailConnector, s.cfg.AttachmentsDir, s.cfg.MailLabel, s.cfg.MailFetchMax, s.cfg.MaxAttempts, s.logger)
	enqueued, err := svc.Poll()
	if err != nil {
		return err
	}

	completed, err := s.processor.ProcessPending(ctx, s.cfg.ProcessBatch)
	if err != nil {
		return err
	}

	s.logger.Info("listener cycle done",
		"provider", s.cfg.MailProvider,
		"enqueued", len(enqueued),
		"completed", completed)
	return nil
}

// MakeConnector builds the configured mailbox connector.
func MakeConnector(cfg config.Config, provider string) (connectors.MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
}

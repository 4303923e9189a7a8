package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"

	"fakturak/internal"
	"fakturak/internal/connectors"
	"fakturak/internal/storage"
)

// Service polls a mailbox and turns PDF attachments from authorized senders
// into queue items. Everything else about a message is skipped, logged and
// never fatal to the cycle.
type Service struct {
	db             *storage.DB
	connector      connectors.MailConnector
	attachmentsDir string
	label          string
	fetchMax       int
	maxAttempts    int
	logger         *slog.Logger
}

func NewService(db *storage.DB, connector connectors.MailConnector, attachmentsDir, label string, fetchMax, maxAttempts int, logger *slog.Logger) *Service {
	return &Service{
		db:             db,
		connector:      connector,
		attachmentsDir: attachmentsDir,
		label:          label,
		fetchMax:       fetchMax,
		maxAttempts:    maxAttempts,
		logger:         logger,
	}
}

// Poll fetches unseen mail and returns the ids of newly enqueued items.
// Re-polling without new mail enqueues nothing: the connector's seen flag
// filters upstream and the store's duplicate check covers redelivery.
func (s *Service) Poll() ([]int64, error) {
	messages, err := s.connector.FetchInbox(s.label, s.fetchMax)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}

	var enqueued []int64
	for _, msg := range messages {
		ids, err := s.ingestMessage(msg)
		if err != nil {
			s.logger.Warn("skipping message", "messageId", msg.MessageID, "from", msg.From, "error", err)
			continue
		}
		enqueued = append(enqueued, ids...)
	}
	return enqueued, nil
}

func (s *Service) ingestMessage(msg internal.FetchedMailMessage) ([]int64, error) {
	sender := strings.ToLower(strings.TrimSpace(msg.From))
	if sender == "" {
		return nil, errors.New("message has no sender address")
	}

	user, err := s.db.GetAuthorizedUser(sender)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.logger.Info("sender not authorized, ignoring", "from", sender, "subject", msg.Subject)
		return nil, nil
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Raw))
	if err != nil {
		return nil, fmt.Errorf("parse mime envelope: %w", err)
	}

	var enqueued []int64
	for _, att := range env.Attachments {
		filename := strings.TrimSpace(att.FileName)
		if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
			continue
		}

		path, hash, err := s.saveAttachment(att.Content)
		if err != nil {
			s.logger.Warn("unreadable attachment, skipping", "messageId", msg.MessageID, "attachment", filename, "error", err)
			continue
		}

		id, err := s.db.Enqueue(internal.QueueItem{
			MessageID:      msg.MessageID,
			EmailFrom:      sender,
			EmailSubject:   msg.Subject,
			AttachmentName: filename,
			AttachmentPath: path,
			AttachmentHash: hash,
			MaxAttempts:    s.maxAttempts,
		})
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Info("attachment already queued", "messageId", msg.MessageID, "attachment", filename)
			continue
		}
		if err != nil {
			return enqueued, err
		}

		if note := bodyDigest(env); note != "" {
			_ = s.db.AddStep(id, "Enqueued from mailbox", map[string]any{
				"receivedAt": msg.ReceivedAt,
				"bodyDigest": note,
			})
		} else {
			_ = s.db.AddStep(id, "Enqueued from mailbox", map[string]any{"receivedAt": msg.ReceivedAt})
		}

		s.logger.Info("enqueued attachment", "queueId", id, "from", sender, "attachment", filename)
		enqueued = append(enqueued, id)
	}

	return enqueued, nil
}

// saveAttachment writes the PDF under a content-hash name. Writing the same
// attachment twice is a no-op, so redelivered mail never grows the directory.
func (s *Service) saveAttachment(content []byte) (string, string, error) {
	if len(content) == 0 {
		return "", "", errors.New("empty attachment body")
	}

	hashBytes := sha256.Sum256(content)
	hash := hex.EncodeToString(hashBytes[:])

	if err := os.MkdirAll(s.attachmentsDir, 0o755); err != nil {
		return "", "", err
	}

	path := filepath.Join(s.attachmentsDir, hash+".pdf")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return "", "", err
		}
	}

	return path, hash, nil
}

// bodyDigest produces a short plain-text summary of the message body for the
// step log. HTML-only mail is flattened first.
func bodyDigest(env *enmime.Envelope) string {
	text := strings.TrimSpace(env.Text)
	if text == "" && env.HTML != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(env.HTML))
		if err == nil {
			text = strings.TrimSpace(doc.Text())
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	return trimToRuneBoundary(text, 300)
}

// trimToRuneBoundary caps s at max bytes without splitting a UTF-8 sequence.
func trimToRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"fakturak/internal"
)

var (
	ErrDuplicate = errors.New("queue item already exists for this attachment")
	ErrNotFound  = errors.New("queue item not found")
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// Pragmas go through the DSN so every pooled connection carries them,
	// not just the one that happened to run an Exec.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email TEXT NOT NULL UNIQUE COLLATE NOCASE,
  name TEXT NOT NULL,
  clientId TEXT NOT NULL DEFAULT '',
  clientSecret TEXT NOT NULL DEFAULT '',
  apiBaseUrl TEXT NOT NULL DEFAULT '',
  isActive INTEGER NOT NULL DEFAULT 1,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  messageId TEXT NOT NULL,
  emailFrom TEXT NOT NULL,
  emailSubject TEXT,
  attachmentName TEXT,
  attachmentPath TEXT NOT NULL,
  attachmentHash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  currentStep TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  maxAttempts INTEGER NOT NULL DEFAULT 3,
  lastError TEXT NOT NULL DEFAULT '',
  invoiceId INTEGER,
  documentNumber TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  processedAt TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_createdAt ON queue(createdAt);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_hash
  ON queue(emailFrom, emailSubject, attachmentHash)
  WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS steps (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  queueId INTEGER NOT NULL,
  step TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(queueId) REFERENCES queue(id)
);
CREATE INDEX IF NOT EXISTS idx_steps_queueId ON steps(queueId);
`

	_, err := d.conn.Exec(schema)
	return err
}

const queueColumns = `id, messageId, emailFrom, emailSubject, attachmentName, attachmentPath, attachmentHash,
       status, currentStep, attempts, maxAttempts, lastError, invoiceId, documentNumber,
       createdAt, updatedAt, processedAt`

func scanQueueItem(row interface{ Scan(...any) error }) (internal.QueueItem, error) {
	var item internal.QueueItem
	var subject, name sql.NullString
	err := row.Scan(
		&item.ID, &item.MessageID, &item.EmailFrom, &subject, &name, &item.AttachmentPath, &item.AttachmentHash,
		&item.Status, &item.CurrentStep, &item.Attempts, &item.MaxAttempts, &item.LastError,
		&item.InvoiceID, &item.DocumentNumber,
		&item.CreatedAt, &item.UpdatedAt, &item.ProcessedAt,
	)
	if err != nil {
		return internal.QueueItem{}, err
	}
	item.EmailSubject = subject.String
	item.AttachmentName = name.String
	return item, nil
}

// Enqueue inserts a new queue item in pending state. The same attachment from
// the same sender and subject is rejected while a previous item for it is
// still non-terminal. The check and insert run as one statement so two
// overlapping polls cannot both slip past it; the partial unique index on the
// dedup tuple backstops the same guarantee at the schema level.
func (d *DB) Enqueue(item internal.QueueItem) (int64, error) {
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	result, err := d.conn.Exec(`
INSERT INTO queue (messageId, emailFrom, emailSubject, attachmentName, attachmentPath, attachmentHash, status, maxAttempts)
SELECT ?, ?, ?, ?, ?, ?, 'pending', ?
WHERE NOT EXISTS (
  SELECT 1 FROM queue
  WHERE emailFrom = ? AND IFNULL(emailSubject, '') = ? AND attachmentHash = ?
    AND status IN ('pending', 'processing')
)
`, item.MessageID, item.EmailFrom, item.EmailSubject, item.AttachmentName, item.AttachmentPath, item.AttachmentHash, maxAttempts,
		item.EmailFrom, item.EmailSubject, item.AttachmentHash)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, fmt.Errorf("%w: %s/%s", ErrDuplicate, item.EmailFrom, item.AttachmentHash)
		}
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("%w: %s/%s", ErrDuplicate, item.EmailFrom, item.AttachmentHash)
	}
	return result.LastInsertId()
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func (d *DB) GetItem(id int64) (*internal.QueueItem, error) {
	row := d.conn.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (d *DB) ListItems(status internal.QueueStatus, limit int) ([]internal.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY createdAt ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListPending returns pending items that still have attempt budget.
func (d *DB) ListPending(limit int) ([]internal.QueueItem, error) {
	rows, err := d.conn.Query(`
SELECT `+queueColumns+` FROM queue
WHERE status = 'pending' AND attempts < maxAttempts
ORDER BY createdAt ASC, id ASC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ClaimItem moves an item from pending to processing and increments attempts
// in one statement. It returns false when the item was not pending anymore,
// which is how overlapping runs lose the race without corrupting state.
func (d *DB) ClaimItem(id int64) (bool, error) {
	result, err := d.conn.Exec(`
UPDATE queue
SET status = 'processing', attempts = attempts + 1,
    currentStep = 'Started processing', updatedAt = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending'
`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *DB) SetCurrentStep(id int64, step string) error {
	_, err := d.conn.Exec(`
UPDATE queue SET currentStep = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?
`, step, id)
	return err
}

// AddStep appends to the processing log and updates the item's current step
// in the same transaction, so the two never disagree.
func (d *DB) AddStep(queueID int64, step string, detail any) error {
	detailJSON := ""
	if detail != nil {
		blob, err := json.Marshal(detail)
		if err == nil {
			detailJSON = string(blob)
		}
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO steps (queueId, step, detail) VALUES (?, ?, ?)`, queueID, step, detailJSON); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE queue SET currentStep = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, step, queueID); err != nil {
		return err
	}

	return tx.Commit()
}

func (d *DB) GetSteps(queueID int64) ([]internal.StepEntry, error) {
	rows, err := d.conn.Query(`
SELECT id, queueId, step, detail, createdAt FROM steps WHERE queueId = ? ORDER BY id ASC
`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.StepEntry
	for rows.Next() {
		var entry internal.StepEntry
		if err := rows.Scan(&entry.ID, &entry.QueueID, &entry.Step, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkCompleted records the terminal success state together with the remote
// invoice reference.
func (d *DB) MarkCompleted(id int64, invoiceID int64, documentNumber string) error {
	_, err := d.conn.Exec(`
UPDATE queue
SET status = 'completed', lastError = '', invoiceId = ?, documentNumber = ?,
    processedAt = CURRENT_TIMESTAMP, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, invoiceID, documentNumber, id)
	return err
}

func (d *DB) MarkFailed(id int64, lastError string) error {
	_, err := d.conn.Exec(`
UPDATE queue
SET status = 'failed', lastError = ?, processedAt = CURRENT_TIMESTAMP, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, truncate(lastError, 2000), id)
	return err
}

// Requeue puts a failed attempt back to pending without touching attempts;
// the next claim increments them.
func (d *DB) Requeue(id int64, lastError string) error {
	_, err := d.conn.Exec(`
UPDATE queue
SET status = 'pending', lastError = ?, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, truncate(lastError, 2000), id)
	return err
}

// ResetStuckItems returns items left in processing longer than the staleness
// window back to pending. Attempts are left untouched: a crashed run already
// consumed one on claim.
func (d *DB) ResetStuckItems(windowSec int) (int, error) {
	rows, err := d.conn.Query(`
SELECT id, currentStep FROM queue
WHERE status = 'processing'
  AND updatedAt < datetime('now', ?)
`, fmt.Sprintf("-%d seconds", windowSec))
	if err != nil {
		return 0, err
	}

	type stuck struct {
		id   int64
		step string
	}
	var found []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.step); err != nil {
			_ = rows.Close()
			return 0, err
		}
		found = append(found, s)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, s := range found {
		if err := d.AddStep(s.id, "Reset due to processing timeout", map[string]any{"lastStep": s.step}); err != nil {
			return count, err
		}
		if _, err := d.conn.Exec(`
UPDATE queue SET status = 'pending', updatedAt = CURRENT_TIMESTAMP WHERE id = ? AND status = 'processing'
`, s.id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// CancelItem forces a terminal failed state from any non-terminal state.
func (d *DB) CancelItem(id int64) error {
	result, err := d.conn.Exec(`
UPDATE queue
SET status = 'failed', lastError = 'cancelled by operator',
    processedAt = CURRENT_TIMESTAMP, updatedAt = CURRENT_TIMESTAMP
WHERE id = ? AND status IN ('pending', 'processing')
`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w or already terminal: id %d", ErrNotFound, id)
	}
	return nil
}

// ReprocessItem resets a terminal item to pending with a fresh attempt budget.
func (d *DB) ReprocessItem(id int64) error {
	result, err := d.conn.Exec(`
UPDATE queue
SET status = 'pending', attempts = 0, lastError = '', currentStep = 'Queued for reprocessing',
    processedAt = NULL, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (d *DB) Statistics() (internal.QueueStatistics, error) {
	rows, err := d.conn.Query(`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return internal.QueueStatistics{}, err
	}
	defer rows.Close()

	var stats internal.QueueStatistics
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return internal.QueueStatistics{}, err
		}
		switch internal.QueueStatus(status) {
		case internal.StatusPending:
			stats.Pending = count
		case internal.StatusProcessing:
			stats.Processing = count
		case internal.StatusCompleted:
			stats.Completed = count
		case internal.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (d *DB) GetAuthorizedUser(email string) (*internal.AuthorizedUser, error) {
	var user internal.AuthorizedUser
	var active int
	err := d.conn.QueryRow(`
SELECT id, email, name, clientId, clientSecret, apiBaseUrl, isActive, createdAt, updatedAt
FROM users WHERE email = ? COLLATE NOCASE AND isActive = 1
`, strings.TrimSpace(email)).Scan(
		&user.ID, &user.Email, &user.Name, &user.ClientID, &user.ClientSecret, &user.APIBaseURL,
		&active, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.IsActive = active == 1
	return &user, nil
}

func (d *DB) AddAuthorizedUser(user internal.AuthorizedUser) (int64, error) {
	result, err := d.conn.Exec(`
INSERT INTO users (email, name, clientId, clientSecret, apiBaseUrl, isActive)
VALUES (?, ?, ?, ?, ?, 1)
`, strings.TrimSpace(user.Email), user.Name, user.ClientID, user.ClientSecret, user.APIBaseURL)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (d *DB) ListAuthorizedUsers() ([]internal.AuthorizedUser, error) {
	rows, err := d.conn.Query(`
SELECT id, email, name, clientId, clientSecret, apiBaseUrl, isActive, createdAt, updatedAt
FROM users ORDER BY name ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.AuthorizedUser
	for rows.Next() {
		var user internal.AuthorizedUser
		var active int
		if err := rows.Scan(
			&user.ID, &user.Email, &user.Name, &user.ClientID, &user.ClientSecret, &user.APIBaseURL,
			&active, &user.CreatedAt, &user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		user.IsActive = active == 1
		out = append(out, user)
	}
	return out, rows.Err()
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

package internal

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s QueueStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueItem is one inbound PDF attachment waiting to become an iDoklad invoice.
type QueueItem struct {
	ID             int64
	MessageID      string
	EmailFrom      string
	EmailSubject   string
	AttachmentName string
	AttachmentPath string
	AttachmentHash string
	Status         QueueStatus
	CurrentStep    string
	Attempts       int
	MaxAttempts    int
	LastError      string
	InvoiceID      *int64
	DocumentNumber *string
	CreatedAt      string
	UpdatedAt      string
	ProcessedAt    *string
}

// AuthorizedUser is a sender allowed to submit invoices, with the iDoklad
// credentials invoices from that sender are created under.
type AuthorizedUser struct {
	ID           int64
	Email        string
	Name         string
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	IsActive     bool
	CreatedAt    string
	UpdatedAt    string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}

// ExtractedInvoice is the loose field bag an extraction backend produced.
// Keys are whatever the backend emitted; transform resolves them against
// candidate lists before anything is trusted.
type ExtractedInvoice struct {
	Fields  map[string]any
	Items   []map[string]any
	RawText string
	Source  string
}

// Empty reports whether extraction produced nothing usable, neither fields
// nor line items.
func (e *ExtractedInvoice) Empty() bool {
	return e == nil || (len(e.Fields) == 0 && len(e.Items) == 0)
}

type ValidationResult struct {
	IsValid               bool
	RequiredFieldsPresent []string
	RequiredFieldsMissing []string
	Errors                []string
	Warnings              []string
}

type QueueStatistics struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// StepEntry is one row of the append-only processing log.
type StepEntry struct {
	ID        int64
	QueueID   int64
	Step      string
	Detail    string
	CreatedAt string
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath         string
	AttachmentsDir string
	ArchiveDir     string
	OutputDir      string

	IDokladAPIBaseURL string
	IDokladTokenURL   string
	IDokladScope      string
	IDokladTimeoutMs  int

	PDFCoAPIBaseURL string
	PDFCoAPIKey     string
	PDFCoTimeoutMs  int
	PDFCoRateRPS    int
	PDFCoPollMax    int
	PDFCoPollWaitMs int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailProvider    string
	MailLabel       string
	MailFetchMax    int
	PollIntervalSec int
	ProcessBatch    int
	MaxAttempts     int
	StuckAfterSec   int
	SubmitInvalid   bool

	LogLevel  string
	LogFormat string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:         getEnv("DB_PATH", filepath.Join(cwd, "data", "fakturak.db")),
		AttachmentsDir: getEnv("ATTACHMENTS_DIR", filepath.Join(cwd, "data", "attachments")),
		ArchiveDir:     getEnv("ARCHIVE_DIR", filepath.Join(cwd, "data", "archive")),
		OutputDir:      getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		IDokladAPIBaseURL: getEnv("IDOKLAD_API_BASE_URL", "https://api.idoklad.cz/v3"),
		IDokladTokenURL:   getEnv("IDOKLAD_TOKEN_URL", "https://identity.idoklad.cz/server/connect/token"),
		IDokladScope:      getEnv("IDOKLAD_SCOPE", "idoklad_api"),
		IDokladTimeoutMs:  getEnvInt("IDOKLAD_TIMEOUT_MS", 30000),

		PDFCoAPIBaseURL: getEnv("PDFCO_API_BASE_URL", "https://api.pdf.co/v1"),
		PDFCoAPIKey:     getEnv("PDFCO_API_KEY", ""),
		PDFCoTimeoutMs:  getEnvInt("PDFCO_TIMEOUT_MS", 30000),
		PDFCoRateRPS:    getEnvInt("PDFCO_RATE_LIMIT_RPS", 2),
		PDFCoPollMax:    getEnvInt("PDFCO_POLL_MAX_ATTEMPTS", 30),
		PDFCoPollWaitMs: getEnvInt("PDFCO_POLL_WAIT_MS", 2000),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", true),

		MailProvider:    getEnv("MAIL_PROVIDER", "imap"),
		MailLabel:       getEnv("MAIL_LABEL", "INBOX"),
		MailFetchMax:    getEnvInt("MAIL_FETCH_MAX", 20),
		PollIntervalSec: getEnvInt("POLL_INTERVAL_SEC", 60),
		ProcessBatch:    getEnvInt("PROCESS_BATCH", 10),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		StuckAfterSec:   getEnvInt("STUCK_AFTER_SEC", 300),
		SubmitInvalid:   getEnvBool("SUBMIT_INVALID", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

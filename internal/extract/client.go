package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fakturak/internal"
	"fakturak/internal/config"
)

// Error is an extraction failure carrying the backend's raw response for
// operator diagnostics.
type Error struct {
	Status int
	Body   string
	Msg    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("pdf.co: %s (status %d)", e.Msg, e.Status)
	}
	return "pdf.co: " + e.Msg
}

// Client talks to the PDF.co API: the AI invoice parser as the primary path
// and plain text conversion as the fallback. A local reader is the last
// resort when the service is unable to extract anything.
type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *slog.Logger
	pollWait   time.Duration
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.PDFCoTimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.PDFCoRateRPS),
		logger:     logger,
		pollWait:   time.Duration(cfg.PDFCoPollWaitMs) * time.Millisecond,
	}
}

// Extract runs the AI invoice parser over the PDF at path. The local file is
// first uploaded to obtain a temporary presigned URL; PDF.co expires those
// server-side, so no copies accumulate anywhere. When the parser fails or
// returns an empty result, the text fallback chain takes over.
func (c *Client) Extract(ctx context.Context, path string) (*internal.ExtractedInvoice, error) {
	if strings.TrimSpace(c.cfg.PDFCoAPIKey) == "" {
		return nil, &Error{Msg: "API key is not configured"}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Msg: "PDF file not found: " + path}
	}

	invoice, aiErr := c.parseWithAI(ctx, path)
	if aiErr == nil && !invoice.Empty() {
		invoice.Source = "ai-invoice-parser"
		return invoice, nil
	}
	if aiErr != nil {
		c.logger.Warn("AI invoice parse failed, falling back to text extraction", "path", filepath.Base(path), "error", aiErr)
	} else {
		c.logger.Warn("AI invoice parse returned no fields, falling back to text extraction", "path", filepath.Base(path))
	}

	text, textErr := c.convertToText(ctx, path)
	if textErr != nil || strings.TrimSpace(text) == "" {
		if textErr != nil {
			c.logger.Warn("PDF.co text conversion failed, trying local reader", "error", textErr)
		}
		text, textErr = localText(path)
		if textErr != nil || strings.TrimSpace(text) == "" {
			if aiErr != nil {
				return nil, aiErr
			}
			return nil, &Error{Msg: "no text could be extracted from the document"}
		}
	}

	fallback := invoiceFromText(text)
	fallback.Source = "text-fallback"
	return fallback, nil
}

func (c *Client) parseWithAI(ctx context.Context, path string) (*internal.ExtractedInvoice, error) {
	fileURL, err := c.uploadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	jobID, err := c.submitParseJob(ctx, fileURL)
	if err != nil {
		return nil, err
	}

	result, err := c.pollJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return decodeInvoiceResult(result), nil
}

// uploadFile pushes the PDF as base64 and returns the presigned URL the
// parser endpoints accept.
func (c *Client) uploadFile(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Msg: "read PDF: " + err.Error()}
	}

	payload := map[string]any{
		"file": base64.StdEncoding.EncodeToString(content),
		"name": filepath.Base(path),
	}

	var resp struct {
		URL     string `json:"url"`
		IsError bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, "/file/upload/base64", payload, &resp); err != nil {
		return "", err
	}
	if resp.IsError || resp.URL == "" {
		return "", &Error{Msg: "upload rejected: " + resp.Message}
	}
	return resp.URL, nil
}

func (c *Client) submitParseJob(ctx context.Context, fileURL string) (string, error) {
	payload := map[string]any{
		"url":   fileURL,
		"async": true,
	}

	var resp struct {
		JobID   string `json:"jobId"`
		IsError bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, "/ai-invoice-parser", payload, &resp); err != nil {
		return "", err
	}
	if resp.IsError || resp.JobID == "" {
		return "", &Error{Msg: "job submission rejected: " + resp.Message}
	}
	return resp.JobID, nil
}

// pollJob waits for the async job to finish. The job protocol reports
// working/success/failed; anything else after the attempt budget is a
// timeout.
func (c *Client) pollJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	for attempt := 1; attempt <= c.cfg.PDFCoPollMax; attempt++ {
		var resp struct {
			Status  string          `json:"status"`
			Body    json.RawMessage `json:"body"`
			Message string          `json:"message"`
		}
		endpoint := "/job/check?jobid=" + url.QueryEscape(jobID)
		if err := c.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, err
		}

		switch strings.ToLower(resp.Status) {
		case "success":
			return resp.Body, nil
		case "failed", "aborted":
			return nil, &Error{Msg: "parse job failed: " + resp.Message}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollWait):
		}
	}
	return nil, &Error{Msg: fmt.Sprintf("parse job %s timed out", jobID)}
}

// convertToText is the synchronous fallback endpoint: whole document, inline
// result.
func (c *Client) convertToText(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Msg: "read PDF: " + err.Error()}
	}

	payload := map[string]any{
		"file":   base64.StdEncoding.EncodeToString(content),
		"name":   filepath.Base(path),
		"async":  false,
		"inline": true,
	}

	var resp struct {
		Body    string `json:"body"`
		IsError bool   `json:"error"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, "/pdf/convert/to/text", payload, &resp); err != nil {
		return "", err
	}
	if resp.IsError {
		return "", &Error{Msg: "text conversion rejected: " + resp.Message}
	}
	return resp.Body, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body), out)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	c.limiter.WaitTurn()

	u := strings.TrimRight(c.cfg.PDFCoAPIBaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.cfg.PDFCoAPIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{Msg: "request timed out: " + err.Error()}
		}
		return &Error{Msg: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Msg: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Status: resp.StatusCode, Body: string(blob), Msg: "unexpected status"}
	}

	if err := json.Unmarshal(blob, out); err != nil {
		return &Error{Status: resp.StatusCode, Body: string(blob), Msg: "malformed JSON response"}
	}
	return nil
}

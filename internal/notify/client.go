package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Imhere-Signature"

// SessionLive is the trigger payload sent when a class goes live.
type SessionLive struct {
	GroupID     string   `json:"group_id"`
	GroupName   string   `json:"group_name"`
	SessionDate string   `json:"session_date"`
	DisplayName string   `json:"display_name"`
	Recipients  []string `json:"recipients"`
	SentAt      int64    `json:"sent_at"`
}

// Client forwards notification triggers to the mail dispatch service.
type Client struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
	Skip    bool
	Logger  *slog.Logger
}

// New creates a client with a bounded timeout.
func New(baseURL, secret string, skip bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		Skip:    skip,
		Logger:  logger,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionLive asks the dispatcher to mail every recipient. It reports false
// when nothing was sent, either because dispatch is disabled or there is
// nobody to mail.
func (c *Client) SessionLive(ctx context.Context, n SessionLive) (bool, error) {
	if n.SentAt == 0 {
		n.SentAt = time.Now().Unix()
	}
	if c.Skip {
		c.Logger.Info("notification skipped", "group_id", n.GroupID, "session_date", n.SessionDate, "recipients", len(n.Recipients))
		return false, nil
	}
	if len(n.Recipients) == 0 {
		return false, nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("notify: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.Secret, body))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("notify: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("notify: dispatch failed (%d): %s", resp.StatusCode, string(msg))
	}
	return true, nil
}

// Sign computes the body signature the dispatcher verifies.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Package telegram implements domain.ReportingChannel against the
// Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tradingcore/agent/internal/domain"
)

const apiBaseURL = "https://api.telegram.org"

// Sender delivers report and alert text via a Telegram bot.
type Sender struct {
	token   string
	baseURL string
	client  *http.Client
}

// New builds a Sender for the given bot token.
func New(token string) *Sender {
	return &Sender{
		token:   token,
		baseURL: apiBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBaseURLForTest points the sender at a different API origin;
// production callers never need this.
func (s *Sender) SetBaseURLForTest(baseURL string) {
	s.baseURL = baseURL
}

var _ domain.ReportingChannel = (*Sender)(nil)

type sendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description"`
}

// SendText posts text to chatID via the bot's sendMessage endpoint,
// returning the Telegram-assigned message ID as a string.
func (s *Sender) SendText(ctx context.Context, chatID, text string) (string, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)

	payload := map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("telegram: decode response: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("telegram: api rejected message: %s", parsed.Description)
	}
	return strconv.FormatInt(parsed.Result.MessageID, 10), nil
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPI      = "https://api.telegram.org"
	telegramMaxChars = 4096
)

// TelegramTransport sends messages with the Telegram Bot API sendMessage method.
type TelegramTransport struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTelegramTransport creates a transport for the bot token. baseURL
// overrides the API endpoint; empty uses api.telegram.org.
func NewTelegramTransport(token, baseURL string) *TelegramTransport {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramTransport{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// Send posts content to chatID, split into chunks under the message size limit.
func (t *TelegramTransport) Send(ctx context.Context, chatID, content string) error {
	for _, chunk := range splitMessage(content, telegramMaxChars) {
		if err := t.send(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramTransport) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(telegramSendRequest{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	var result telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram sendMessage: status %d: decoding response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests && result.Parameters != nil && result.Parameters.RetryAfter > 0 {
		return &RetryAfterError{
			After: time.Duration(result.Parameters.RetryAfter) * time.Second,
			Err:   fmt.Errorf("telegram: %s", result.Description),
		}
	}
	if resp.StatusCode != http.StatusOK || !result.OK {
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, result.Description)
	}
	return nil
}

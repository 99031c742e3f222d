// Package telegram talks to the Telegram Bot API: it delivers verification
// codes and runs the bot worker that claims login tokens.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/domosclub/clubauth/pkg/auth"
)

const defaultAPIURL = "https://api.telegram.org"

var _ auth.CodeSender = (*Client)(nil)

// APIError is an error reported by the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// ClientConfig holds Bot API client configuration.
type ClientConfig struct {
	Token   string
	BaseURL string
	// CodeMessage formats the text sent with a verification code.
	CodeMessage func(code string) string
}

// Client is a minimal Bot API client.
type Client struct {
	config ClientConfig
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Bot API client. httpClient may be nil.
func NewClient(config ClientConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultAPIURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.CodeMessage == nil {
		config.CodeMessage = defaultCodeMessage
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{config: config, http: httpClient, logger: logger}
}

func defaultCodeMessage(code string) string {
	return fmt.Sprintf("Your DomosClub login code: %s\n\nDo not share it with anyone.", code)
}

// SendMessage sends a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// SendCode delivers a verification code to the account's private chat. For
// private chats the chat id equals the user id. Failures are logged and
// reported as false.
func (c *Client) SendCode(ctx context.Context, telegramID int64, code string) bool {
	if err := c.SendMessage(ctx, telegramID, c.config.CodeMessage(code)); err != nil {
		c.logger.Warn("failed to send verification code", "telegram_id", telegramID, "error", err)
		return false
	}
	return true
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, c.config.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the bot token; never surface it.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("telegram %s: status %d: decode response: %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		apiErr := &APIError{Method: method, Code: out.ErrorCode, Description: out.Description}
		if out.Parameters != nil {
			apiErr.RetryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

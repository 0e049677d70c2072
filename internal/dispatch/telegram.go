package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amishk599/gigradar/internal/model"
)

// Ensure TelegramDispatcher implements model.Dispatcher.
var _ model.Dispatcher = (*TelegramDispatcher)(nil)

// TelegramDispatcher sends messages through the Telegram Bot API.
type TelegramDispatcher struct {
	apiURL     string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegramDispatcher returns a dispatcher posting to apiURL (normally
// https://api.telegram.org) with the given bot token.
func NewTelegramDispatcher(apiURL, token string, httpClient *http.Client, logger *slog.Logger) *TelegramDispatcher {
	return &TelegramDispatcher{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver sends msg as HTML. When Telegram rejects the markup the message
// is sent once more as plain text before the failure is classified.
func (d *TelegramDispatcher) Deliver(ctx context.Context, to model.Recipient, msg model.Message) error {
	resp, err := d.send(ctx, sendMessageRequest{ChatID: to.Address, Text: msg.HTML, ParseMode: "HTML", DisableWebPagePreview: true})
	if err != nil {
		return err
	}
	if resp.ErrorCode == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.Description), "can't parse entities") {
		d.logger.Warn("telegram rejected HTML, resending as plain text", "subscriber_id", to.SubscriberID, "description", resp.Description)
		resp, err = d.send(ctx, sendMessageRequest{ChatID: to.Address, Text: msg.Text, DisableWebPagePreview: true})
		if err != nil {
			return err
		}
	}
	return classify(resp)
}

func (d *TelegramDispatcher) send(ctx context.Context, payload sendMessageRequest) (apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiResponse{}, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := d.apiURL + "/bot" + d.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return apiResponse{}, fmt.Errorf("post to telegram: %w", redact(err, d.token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read telegram response: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		out = apiResponse{Description: strings.TrimSpace(string(raw))}
	}
	if !out.OK && out.ErrorCode == 0 {
		out.ErrorCode = resp.StatusCode
	}
	if resp.StatusCode == http.StatusOK && out.ErrorCode == http.StatusOK {
		out.OK = true
	}
	return out, nil
}

// classify maps a Bot API response onto the delivery outcome.
func classify(resp apiResponse) error {
	if resp.OK {
		return nil
	}
	desc := strings.ToLower(resp.Description)
	switch {
	case resp.ErrorCode == http.StatusForbidden:
		// bot was blocked by the user, user is deactivated, kicked from group
		return fmt.Errorf("telegram %d: %s: %w", resp.ErrorCode, resp.Description, model.ErrChannelBlocked)
	case resp.ErrorCode == http.StatusBadRequest && strings.Contains(desc, "chat not found"):
		return fmt.Errorf("telegram %d: %s: %w", resp.ErrorCode, resp.Description, model.ErrChannelBlocked)
	case resp.ErrorCode == http.StatusTooManyRequests || resp.ErrorCode >= 500:
		httpErr := &model.HTTPError{StatusCode: resp.ErrorCode, Err: fmt.Errorf("telegram: %s", resp.Description)}
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			httpErr.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return httpErr
	default:
		return fmt.Errorf("telegram %d: %s: %w", resp.ErrorCode, resp.Description, model.ErrPermanent)
	}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}

package notify

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

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// DefaultTelegramBaseURL is the public Bot API endpoint.
const DefaultTelegramBaseURL = "https://api.telegram.org"

// TelegramAPI is a minimal Bot API client. It holds no bot token; every call
// names the bot it acts for.
type TelegramAPI struct {
	baseURL string
	client  *http.Client
}

// NewTelegramAPI creates a client for baseURL (DefaultTelegramBaseURL when
// empty). timeout bounds every sendMessage call.
func NewTelegramAPI(baseURL string, timeout time.Duration) *TelegramAPI {
	if baseURL == "" {
		baseURL = DefaultTelegramBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SendMessage posts text to chatID as the bot identified by token. Errors
// never include the token.
func (a *TelegramAPI) SendMessage(ctx context.Context, token, chatID, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	endpoint := a.baseURL + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.New("telegram: create request: invalid bot token or base url")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func formatText(title, message string) string {
	if title == "" {
		return message
	}
	return title + "\n" + message
}

// TelegramSender delivers operator notifications to a fixed chat.
type TelegramSender struct {
	api    *TelegramAPI
	token  string
	chatID string
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(api *TelegramAPI, token, chatID string) *TelegramSender {
	return &TelegramSender{api: api, token: token, chatID: chatID}
}

// Send posts a message to the configured chat.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return t.api.SendMessage(ctx, t.token, t.chatID, formatText(title, message))
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

// UserTelegram delivers messages to users through their own bots.
type UserTelegram struct {
	api    *TelegramAPI
	logger *slog.Logger
}

// NewUserTelegram creates a per-user Telegram notifier.
func NewUserTelegram(api *TelegramAPI, logger *slog.Logger) *UserTelegram {
	return &UserTelegram{
		api:    api,
		logger: logger.With(slog.String("component", "user_telegram")),
	}
}

// SendTo sends a message with the credentials in creds. Users without
// Telegram credentials are skipped.
func (u *UserTelegram) SendTo(ctx context.Context, creds *domain.Credentials, title, message string) error {
	if creds == nil {
		return nil
	}
	if !creds.HasTelegram() {
		u.logger.DebugContext(ctx, "user has no telegram credentials",
			slog.String("user", creds.UserAddress),
		)
		return nil
	}
	return u.api.SendMessage(ctx, creds.TelegramToken, creds.TelegramChatID, formatText(title, message))
}

var (
	_ Sender              = (*TelegramSender)(nil)
	_ domain.UserNotifier = (*UserTelegram)(nil)
)

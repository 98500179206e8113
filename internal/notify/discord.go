package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Discord embed limits.
const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
	discordColor            = 0xE67E22
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts operator alerts to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string, timeout time.Duration) *DiscordSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Send posts one embed. Over-long text is cut on a rune boundary.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Username: "dydxrelay",
		Embeds: []discordEmbed{{
			Title:       truncateRunes(title, discordTitleLimit),
			Description: truncateRunes(message, discordDescriptionLimit),
			Color:       discordColor,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// The webhook URL embeds its token; drop it from the error.
		return errors.New("discord: send request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }

// truncateRunes shortens s to at most limit runes, ending in "...".
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cedear-arbitrage/internal/arbitrage"
)

// Notification wraps an opportunity with delivery context.
type Notification struct {
	Bucket        time.Time
	Opportunity   arbitrage.Opportunity
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Time("bucket", note.Bucket).
		Str("symbol", note.Opportunity.Symbol).
		Str("recommendation", string(note.Opportunity.Recommendation)).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the opportunity at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	o := note.Opportunity
	n.logger.Warn().Time("bucket", note.Bucket).
		Str("symbol", o.Symbol).
		Str("underlying", o.UnderlyingSymbol).
		Str("recommendation", string(o.Recommendation)).
		Str("difference_pct", o.DifferencePercentage.String()).
		Str("difference_usd", o.DifferenceUSD.String()).
		Bool("estimated", o.Estimated).
		Msg("arbitrage opportunity")
	return nil
}

// Fanout delivers to several channels and joins their errors.
type Fanout struct {
	notifiers map[string]Notifier
}

// NewFanout builds a fan-out notifier keyed by channel name.
func NewFanout(notifiers map[string]Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Len reports the number of channels.
func (f *Fanout) Len() int {
	return len(f.notifiers)
}

// Notify sends to every channel listed in note.Channels, or to all of them
// when the list is empty.
func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	channels := note.Channels
	if len(channels) == 0 {
		for name := range f.notifiers {
			channels = append(channels, name)
		}
	}

	var errs []error
	routed := 0
	for _, name := range channels {
		n, ok := f.notifiers[name]
		if !ok {
			continue
		}
		routed++
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if routed == 0 {
		return fmt.Errorf("no notifier configured for channels %v", channels)
	}
	return errors.Join(errs...)
}

// RenderMessage renders a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(note.Opportunity.Format())
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Fanout)(nil)
)

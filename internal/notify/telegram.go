// Package notify delivers operator notifications over Telegram. Delivery is
// best-effort: attempts are bounded and a message that cannot be sent is
// logged and dropped, never allowed to stall trading.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rebound-trader/internal/events"
)

const defaultBaseURL = "https://api.telegram.org"

// Telegram posts messages to a single operator chat.
type Telegram struct {
	baseURL  string
	botToken string
	chatID   int64
	attempts int
	delay    time.Duration

	client  *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a Telegram notifier. A zero chatID or empty token disables
// sending; Send becomes a no-op so callers never need to check.
func New(botToken string, chatID int64, attempts int, delay time.Duration) *Telegram {
	return &Telegram{
		baseURL:  defaultBaseURL,
		botToken: botToken,
		chatID:   chatID,
		attempts: attempts,
		delay:    delay,
		client:   &http.Client{Timeout: 15 * time.Second},
		// Telegram allows about one message per second per chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		sleep:   sleepCtx,
	}
}

// Send delivers one HTML-formatted message, retrying with a fixed delay up
// to the attempt ceiling. Exhaustion is logged and swallowed.
func (t *Telegram) Send(ctx context.Context, text string) {
	if t.botToken == "" || t.chatID == 0 {
		return
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		lastErr = t.sendOnce(ctx, text)
		if lastErr == nil {
			return
		}
		if attempt < t.attempts {
			if err := t.sleep(ctx, t.delay); err != nil {
				return
			}
		}
	}
	log.Printf("notify: dropping message after %d attempts: %v", t.attempts, lastErr)
}

func (t *Telegram) sendOnce(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":    {strconv.FormatInt(t.chatID, 10)},
		"text":       {text},
		"parse_mode": {"HTML"},
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage: http %d", resp.StatusCode)
	}
	return nil
}

// Run consumes bus events and forwards them to the chat until ctx ends.
func (t *Telegram) Run(ctx context.Context, bus *events.Bus) {
	topics := []events.Event{
		events.EventSignalDetected,
		events.EventOrderPlaced,
		events.EventOrderReplaced,
		events.EventOrderCancelled,
		events.EventPositionOpened,
		events.EventPositionClosed,
		events.EventOperatorAlert,
	}

	merged := make(chan any, 64)
	for _, topic := range topics {
		ch, unsub := bus.Subscribe(topic, 16)
		defer unsub()
		go func(in <-chan any) {
			for payload := range in {
				select {
				case merged <- payload:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-merged:
			if text := Format(payload); text != "" {
				t.Send(ctx, text)
			}
		}
	}
}

// Format renders an event payload as an HTML chat message.
func Format(payload any) string {
	switch p := payload.(type) {
	case events.Signal:
		return fmt.Sprintf("<b>%s</b> signal on <b>%s</b>\nprice %.4f, ema %.4f",
			p.Kind, p.Ticker, p.Price, p.EMA)
	case events.OrderEvent:
		return fmt.Sprintf("order <b>%s</b> %s %s: %d lots @ %.4f (%s)",
			p.OrderID, p.Direction, p.Ticker, p.Lots, p.Price, p.Reason)
	case events.PositionEvent:
		if p.DealID != "" {
			return fmt.Sprintf("position on <b>%s</b>, deal %s", p.Ticker, p.DealID)
		}
		return fmt.Sprintf("position on <b>%s</b>", p.Ticker)
	case events.Alert:
		return "⚠️ " + p.Text
	default:
		return ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

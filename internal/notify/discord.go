// Package notify delivers rendered alerts to chat sinks. Discord webhooks
// are the only transport; the engine treats delivery as best-effort and
// never blocks the alert pipeline on a slow sink.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/mberan/vigil/internal/domain"
)

// Sink delivers one alert to a named channel.
type Sink interface {
	Send(ctx context.Context, channel string, alert *domain.Alert) error
}

const (
	// Discord webhook budget: 30 messages per rolling 60 seconds.
	defaultWindow       = 60 * time.Second
	defaultMaxPerWindow = 30

	maxAttempts     = 3
	baseBackoff     = time.Second
	maxBackoff      = 10 * time.Second
	deliveryTimeout = 15 * time.Second
)

// Embed colors per priority.
const (
	colorP0 = 0xE74C3C // red
	colorP1 = 0xF39C12 // orange
	colorP2 = 0x3498DB // blue
)

// Discord sends alerts as webhook embeds, one webhook URL per channel.
type Discord struct {
	client   *resty.Client
	webhooks map[string]string
	fallback string
	enabled  bool
	log      zerolog.Logger

	window       time.Duration
	maxPerWindow int

	mu    sync.Mutex
	sends []time.Time // sliding window of delivery timestamps

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDiscord creates the Discord sink. Channels without a webhook fall back
// to the default URL; with neither the send is dropped with a warning.
func NewDiscord(webhooks map[string]string, fallback string, enabled bool, log zerolog.Logger) *Discord {
	return &Discord{
		client: resty.New().
			SetTimeout(deliveryTimeout).
			SetHeader("Content-Type", "application/json"),
		webhooks:     webhooks,
		fallback:     fallback,
		enabled:      enabled,
		log:          log.With().Str("component", "discord").Logger(),
		window:       defaultWindow,
		maxPerWindow: defaultMaxPerWindow,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// embed is the Discord embed wire shape.
type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Send delivers one alert to the channel's webhook, applying the sliding
// window and retrying transient failures with capped exponential backoff.
func (d *Discord) Send(ctx context.Context, channel string, alert *domain.Alert) error {
	if !d.enabled {
		return nil
	}
	url := d.webhooks[channel]
	if url == "" {
		url = d.fallback
	}
	if url == "" {
		d.log.Warn().Str("channel", channel).Str("symbol", alert.Symbol).
			Msg("No webhook configured for channel, dropping alert delivery")
		return nil
	}

	if err := d.waitForWindow(ctx); err != nil {
		return err
	}

	payload := webhookPayload{Embeds: []embed{renderEmbed(alert)}}

	var lastErr error
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := d.client.R().SetContext(ctx).SetBody(payload).Post(url)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("webhook post failed: %w", err)
		case resp.StatusCode() == http.StatusTooManyRequests:
			wait := retryAfter(resp, backoff)
			lastErr = fmt.Errorf("webhook rate limited, retry after %s", wait)
			if attempt < maxAttempts {
				if err := d.sleep(ctx, wait); err != nil {
					return err
				}
			}
			continue
		case resp.StatusCode() >= 400:
			lastErr = fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), resp.String())
		default:
			d.recordSend()
			return nil
		}

		if attempt < maxAttempts {
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", channel, maxAttempts, lastErr)
}

// waitForWindow blocks until the sliding window has room for one more send.
func (d *Discord) waitForWindow(ctx context.Context) error {
	for {
		d.mu.Lock()
		now := d.now()
		cutoff := now.Add(-d.window)
		kept := d.sends[:0]
		for _, ts := range d.sends {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		d.sends = kept

		if len(d.sends) < d.maxPerWindow {
			d.mu.Unlock()
			return nil
		}
		wait := d.sends[0].Add(d.window).Sub(now)
		d.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		d.log.Debug().Dur("wait", wait).Msg("Webhook window full, waiting")
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (d *Discord) recordSend() {
	d.mu.Lock()
	d.sends = append(d.sends, d.now())
	d.mu.Unlock()
}

// retryAfter parses Discord's Retry-After feedback, falling back to the
// current backoff and capping at the maximum.
func retryAfter(resp *resty.Response, fallback time.Duration) time.Duration {
	header := resp.Header().Get("Retry-After")
	if header == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	wait := time.Duration(secs * float64(time.Second))
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// priorityEmoji prefixes titles so the urgency reads at a glance on mobile.
func priorityEmoji(p domain.Priority) string {
	switch p {
	case domain.PriorityP0:
		return "🚨"
	case domain.PriorityP1:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func priorityColor(p domain.Priority) int {
	switch p {
	case domain.PriorityP0:
		return colorP0
	case domain.PriorityP1:
		return colorP1
	default:
		return colorP2
	}
}

// renderEmbed builds the embed for one alert. Context fields that carry a
// value become inline embed fields.
func renderEmbed(alert *domain.Alert) embed {
	e := embed{
		Title:       fmt.Sprintf("%s [%s] %s — %s", priorityEmoji(alert.Priority), alert.Priority, alert.Symbol, alert.Subtype),
		Description: alert.Message,
		Color:       priorityColor(alert.Priority),
		Timestamp:   alert.CreatedAt.UTC().Format(time.RFC3339),
		Footer:      &embedFooter{Text: "vigil · " + alert.TraceID},
	}
	if alert.Action != "" {
		e.Fields = append(e.Fields, embedField{Name: "Action", Value: alert.Action})
	}

	addNum := func(name string, v float64, format string) {
		if v != 0 {
			e.Fields = append(e.Fields, embedField{Name: name, Value: fmt.Sprintf(format, v), Inline: true})
		}
	}
	ctx := alert.Context
	addNum("Price", ctx.Price, "$%.2f")
	addNum("Avg Cost", ctx.AvgCost, "$%.2f")
	addNum("P&L", ctx.PnLPct, "%+.1f%%")
	addNum("Stop", ctx.StopPrice, "$%.2f")
	addNum("Pivot", ctx.Pivot, "$%.2f")
	addNum("Vol Ratio", ctx.VolumeRatio, "%.1fx")
	addNum("Health", ctx.HealthScore, "%.0f")
	if ctx.ClimaxScore > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Climax Score", Value: strconv.Itoa(ctx.ClimaxScore), Inline: true})
	}
	if ctx.BreakoutScore > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Breakout Score", Value: strconv.Itoa(ctx.BreakoutScore), Inline: true})
	}
	if ctx.MarketRegime != "" {
		e.Fields = append(e.Fields, embedField{Name: "Regime", Value: ctx.MarketRegime, Inline: true})
	}
	return e
}

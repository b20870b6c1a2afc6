// Package delivery triggers the external functions that send queued email and push
// messages. Each channel has its own circuit breaker so a failing push provider does
// not hold back email.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// ErrNotConfigured is returned when no functions base URL is set
var ErrNotConfigured = errors.New("delivery functions are not configured")

// Client calls the delivery functions
type Client struct {
	http      *resty.Client
	key       KeySource
	functions map[models.Channel]string
	breakers  map[models.Channel]*gobreaker.CircuitBreaker[*resty.Response]
}

// NewClient builds a client from the delivery settings
func NewClient(cfg config.DeliveryConfig, key KeySource) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.FunctionsBaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		key: key,
		functions: map[models.Channel]string{
			models.ChannelEmail: cfg.EmailFunction,
			models.ChannelPush:  cfg.PushFunction,
		},
		breakers: map[models.Channel]*gobreaker.CircuitBreaker[*resty.Response]{},
	}
	for ch := range c.functions {
		c.breakers[ch] = newBreaker(ch, cfg.BreakerFailures, cfg.BreakerTimeout)
	}
	return c
}

func newBreaker(ch models.Channel, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[*resty.Response] {
	if failures == 0 {
		failures = 5
	}
	telemetry.DeliveryCircuitOpen.WithLabelValues(string(ch)).Set(0)
	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "delivery-" + string(ch),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("delivery circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			telemetry.DeliveryCircuitOpen.WithLabelValues(string(ch)).Set(open)
		},
	})
}

// Configured reports whether a base URL has been set
func (c *Client) Configured() bool {
	return c.http.BaseURL != ""
}

// Trigger asks the channel's function to process its claimed rows. The function pulls
// the rows itself, so the request body is empty.
func (c *Client) Trigger(ctx context.Context, ch models.Channel) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	fn, ok := c.functions[ch]
	if !ok {
		return fmt.Errorf("no delivery function for channel %q", ch)
	}

	resp, err := c.breakers[ch].Execute(func() (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(c.key.Key()).
			SetBody(map[string]any{}).
			Post("/" + fn)
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return resp, fmt.Errorf("%s returned status %d: %s", fn, resp.StatusCode(), excerpt(resp.String()))
		}
		return resp, nil
	})
	if err != nil {
		telemetry.DeliveryDispatchFailuresTotal.WithLabelValues(string(ch)).Inc()
		return fmt.Errorf("trigger %s: %w", fn, err)
	}
	slog.Debug("delivery function triggered", "channel", ch, "function", fn, "status", resp.StatusCode())
	return nil
}

// BreakerState returns the current breaker state for a channel
func (c *Client) BreakerState(ch models.Channel) gobreaker.State {
	if b, ok := c.breakers[ch]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}

func excerpt(s string) string {
	const max = 200
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

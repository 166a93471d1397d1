package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/antonioobaid/linkly/internal/logging"
	"github.com/antonioobaid/linkly/internal/metrics"
)

const OneSignalEndpoint = "https://onesignal.com/api/v1/notifications"

var ErrNotConfigured = errors.New("notify: push provider not configured")

// OneSignalPusher sends a notification to a single external user id.
type OneSignalPusher struct {
	appID    string
	apiKey   string
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[struct{}]
	limiter  *rate.Limiter
}

type Option func(*OneSignalPusher)

func WithEndpoint(url string) Option {
	return func(p *OneSignalPusher) { p.endpoint = url }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *OneSignalPusher) { p.client = c }
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *OneSignalPusher) { p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewOneSignalPusher(appID, apiKey string, opts ...Option) (*OneSignalPusher, error) {
	if appID == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	p := &OneSignalPusher{
		appID:    appID,
		apiKey:   apiKey,
		endpoint: OneSignalEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(50), 100),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "onesignal",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return p, nil
}

// NewPusher returns a OneSignal pusher, or a NoopPusher when credentials are
// missing so the relay keeps working without push.
func NewPusher(appID, apiKey string, opts ...Option) Pusher {
	p, err := NewOneSignalPusher(appID, apiKey, opts...)
	if err != nil {
		logging.Warn().Msg("OneSignal credentials missing, push notifications disabled")
		return NoopPusher{}
	}
	return p
}

type oneSignalRequest struct {
	AppID                 string            `json:"app_id"`
	IncludeExternalUserID []string          `json:"include_external_user_ids"`
	Contents              map[string]string `json:"contents"`
}

func (p *OneSignalPusher) Push(ctx context.Context, recipientID, text string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("onesignal: rate limit: %w", err)
	}
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.send(ctx, recipientID, text)
	})
	if err != nil {
		return err
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	return nil
}

func (p *OneSignalPusher) send(ctx context.Context, recipientID, text string) error {
	body, err := json.Marshal(oneSignalRequest{
		AppID:                 p.appID,
		IncludeExternalUserID: []string{recipientID},
		Contents:              map[string]string{"en": text},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("onesignal: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("onesignal: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

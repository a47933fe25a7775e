package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRenewInterval stays below the identity service's 10 minute token lifetime.
	DefaultRenewInterval = 9 * time.Minute

	subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
	defaultTimeout        = 10 * time.Second
	maxErrorBody          = 512
)

// Provider holds the current bearer token and renews it on a fixed interval
// until Close is called.
type Provider struct {
	cfg        config.AuthConfig
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	hook       func(error)
	newTicker  func(time.Duration) ticker

	token atomic.Pointer[string]

	tracer   trace.Tracer
	requests metric.Int64Counter

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client used to reach the identity endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithRenewalHook registers fn to be called after every background renewal
// attempt. err is nil when the token was replaced.
func WithRenewalHook(fn func(err error)) Option {
	return func(p *Provider) { p.hook = fn }
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) ticker { return timeTicker{t: time.NewTicker(d)} }

// New fetches the first token synchronously and starts background renewal.
// When the first fetch fails no renewal is scheduled and an
// *AuthenticationError is returned.
func New(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if strings.TrimSpace(cfg.SubscriptionKey) == "" {
		return nil, ErrMissingKey
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Provider{
		cfg:        cfg,
		interval:   cfg.RenewInterval(),
		timeout:    cfg.Timeout(),
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("component", "auth")),
		newTicker:  newTimeTicker,
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tts/auth"),
		done:       make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = DefaultRenewInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	for _, opt := range opts {
		opt(p)
	}
	p.initMetrics()

	token, err := p.issueToken(ctx)
	if err != nil {
		return nil, err
	}
	p.token.Store(&token)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	go p.renewLoop(loopCtx, p.newTicker(p.interval))

	p.logger.Info("bearer token acquired", slog.Duration("renew_interval", p.interval))
	return p, nil
}

// CurrentToken returns the most recently issued token.
func (p *Provider) CurrentToken() string {
	if t := p.token.Load(); t != nil {
		return *t
	}
	return ""
}

// Close stops background renewal and waits for an in-progress attempt to finish.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

func (p *Provider) renewLoop(ctx context.Context, t ticker) {
	defer close(p.done)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			p.renew(ctx)
		}
	}
}

func (p *Provider) renew(ctx context.Context) {
	token, err := p.issueToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("failed renewing access token", slog.String("error", err.Error()))
		p.report(err)
		return
	}
	p.token.Store(&token)
	p.logger.Debug("access token renewed")
	p.report(nil)
}

func (p *Provider) report(err error) {
	if p.hook != nil {
		p.hook(err)
	}
}

func (p *Provider) issueToken(ctx context.Context) (token string, err error) {
	ctx, span := p.tracer.Start(ctx, "auth.issue_token")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.requests != nil {
			p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IssueTokenURL, nil)
	if err != nil {
		return "", &AuthenticationError{Err: fmt.Errorf("create token request: %w", err)}
	}
	req.Header.Set(subscriptionKeyHeader, p.cfg.SubscriptionKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Err: fmt.Errorf("issue token: %w", err)}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &AuthenticationError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("identity endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read token: %w", err)}
	}
	return string(body), nil
}

func (p *Provider) initMetrics() {
	counter, err := otel.Meter("github.com/loqalabs/loqa-tts/auth").Int64Counter(
		"loqa.auth.token_requests",
		metric.WithDescription("Identity endpoint token requests by outcome"),
	)
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	p.requests = counter
}

package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ssmlContentType    = "application/ssml+xml"
	defaultCallTimeout = 30 * time.Second
	maxErrorBody       = 4096
)

// TokenSource supplies the bearer token for requests that carry none.
type TokenSource interface {
	CurrentToken() string
}

// ClientConfig holds the endpoint and fixed identifiers sent on every request.
type ClientConfig struct {
	Endpoint     string
	AppID        string
	ClientID     string
	UserAgent    string
	Timeout      time.Duration
	MaxIdleConns int
}

// NewClientConfig extracts the client settings from the speech section.
func NewClientConfig(cfg config.SpeechConfig) ClientConfig {
	return ClientConfig{
		Endpoint:     cfg.Endpoint,
		AppID:        cfg.AppID,
		ClientID:     cfg.ClientID,
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.Timeout(),
		MaxIdleConns: cfg.MaxIdleConns,
	}
}

// Client sends synthesis requests over one pooled HTTP client. It is safe for
// concurrent use.
type Client struct {
	cfg    ClientConfig
	tokens TokenSource
	http   *http.Client
	logger *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// NewClient builds a Client. tokens may be nil when every Request carries its
// own Token.
func NewClient(cfg ClientConfig, tokens TokenSource, logger *slog.Logger, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Transport: transport},
		logger: logger.With(slog.String("component", "speech-client")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-tts/tts"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c
}

// Synthesize dispatches req and returns immediately. The returned channel
// receives exactly one Result and is then closed. On success the caller owns
// Result.Audio and must close it.
func (c *Client) Synthesize(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		out <- Result{Err: ErrClientClosed}
		close(out)
		return out
	}
	c.wg.Add(1)
	c.mu.RUnlock()

	go func() {
		defer c.wg.Done()
		defer close(out)
		out <- c.do(ctx, req)
	}()
	return out
}

// Close rejects further calls, waits for dispatched calls to receive their
// response headers and releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, req Request) (res Result) {
	if err := ctx.Err(); err != nil {
		return Result{Err: &CancellationError{Err: err}}
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = c.cfg.Endpoint
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.locale", req.Locale),
		attribute.String("tts.voice", req.VoiceName),
		attribute.String("tts.format", req.Format.Header()),
		attribute.Int("tts.text_length", len(req.Text)),
	))
	defer func() {
		outcome := "ok"
		if res.Err != nil {
			outcome = outcomeOf(res.Err)
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		if c.requests != nil {
			c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		span.End()
	}()

	body, err := BuildSSML(req)
	if err != nil {
		return Result{Err: &TransportError{Op: "build request", Err: err}}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return Result{Err: &TransportError{Op: "build request", Err: err}}
	}
	httpReq.Header = c.headers(req)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return Result{Err: c.classify(ctx, "send request", err)}
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		c.logger.Debug("speech endpoint rejected request", slog.Int("status", resp.StatusCode))
		return Result{Err: &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(data)),
		}}
	}

	return Result{Audio: &audioStream{body: resp.Body, ctx: ctx, cancel: cancel}}
}

// headers builds a fresh header set; nothing is shared between calls.
func (c *Client) headers(req Request) http.Header {
	token := req.Token
	if token == "" && c.tokens != nil {
		token = c.tokens.CurrentToken()
	}
	h := make(http.Header, 6)
	h.Set("Content-Type", ssmlContentType)
	h.Set("X-Microsoft-OutputFormat", req.Format.Header())
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Search-AppId", c.cfg.AppID)
	h.Set("X-Search-ClientID", c.cfg.ClientID)
	h.Set("User-Agent", c.cfg.UserAgent)
	return h
}

// classify separates caller cancellation from the client's own timeout and
// other transport failures.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &CancellationError{Err: ctxErr}
	}
	return &TransportError{Op: op, Err: err}
}

func (c *Client) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/tts")
	requests, err := meter.Int64Counter(
		"loqa.tts.requests",
		metric.WithDescription("Synthesis requests by outcome"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	latency, err := meter.Float64Histogram(
		"loqa.tts.latency",
		metric.WithDescription("Time until the speech endpoint returned response headers"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	c.requests = requests
	c.latency = latency
}

func outcomeOf(err error) string {
	var (
		httpErr   *HTTPError
		cancelErr *CancellationError
	)
	switch {
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.As(err, &cancelErr):
		return "cancelled"
	case errors.Is(err, ErrClientClosed):
		return "closed"
	default:
		return "transport_error"
	}
}

// audioStream releases the per-call timeout when the caller closes the body.
type audioStream struct {
	body   io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (a *audioStream) Read(p []byte) (int, error) {
	n, err := a.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctxErr := a.ctx.Err(); ctxErr != nil {
			return n, &CancellationError{Err: ctxErr}
		}
		return n, &TransportError{Op: "read audio", Err: err}
	}
	return n, err
}

func (a *audioStream) Close() error {
	err := a.body.Close()
	a.once.Do(a.cancel)
	return err
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	maxRequestBody   = 64 * 1024
	defaultListLimit = 50
)

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.cfg.Telemetry.PrometheusBind == "" && r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.Handle("POST /v1/synthesize", synthesisHandler(r.client, r.store, r.defaults, r.logger))
	mux.Handle("GET /v1/requests", requestsHandler(r.store, r.logger))
	mux.Handle("GET /v1/renewals", renewalsHandler(r.store, r.logger))
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.busClient != nil && !r.busClient.Healthy() {
		ready = false
	}
	if r.service != nil && !r.service.Healthy() {
		ready = false
	}
	if r.announcer != nil && !r.announcer.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type errorResponse struct {
	Error          string `json:"error"`
	RequestID      string `json:"request_id,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// synthesisHandler accepts a protocol.TTSRequest as JSON and streams the
// synthesized audio back in the requested format.
func synthesisHandler(client *tts.Client, store *eventstore.Store, defaults tts.Request, logger *slog.Logger) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var msg protocol.TTSRequest
		if err := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		if msg.RequestID == "" {
			msg.RequestID = uuid.NewString()
		}

		synthReq, err := tts.FromMessage(defaults, msg)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), RequestID: msg.RequestID})
			return
		}

		ctx := req.Context()
		if err := store.RecordRequest(ctx, eventstore.Request{
			ID:         msg.RequestID,
			Source:     "http",
			Locale:     synthReq.Locale,
			Voice:      synthReq.VoiceName,
			Format:     synthReq.Format.Header(),
			TextLength: len(synthReq.Text),
		}); err != nil {
			logger.Warn("failed to record tts request", slog.String("error", err.Error()))
		}

		res := <-client.Synthesize(ctx, synthReq)
		if res.Err != nil {
			status, body := errorStatus(res.Err)
			_ = store.FailRequest(context.WithoutCancel(ctx), msg.RequestID, upstreamStatus(res.Err), res.Err)
			if status == 0 {
				logger.Debug("synthesis abandoned by caller", slog.String("request_id", msg.RequestID))
				return
			}
			logger.Warn("synthesis failed", slog.String("request_id", msg.RequestID), slog.String("error", res.Err.Error()))
			body.RequestID = msg.RequestID
			writeJSON(w, status, body)
			return
		}
		defer res.Audio.Close()

		w.Header().Set("Content-Type", synthReq.Format.ContentType())
		w.Header().Set("X-Request-Id", msg.RequestID)
		w.WriteHeader(http.StatusOK)
		n, err := io.Copy(w, res.Audio)
		if err != nil {
			logger.Warn("audio copy interrupted", slog.String("request_id", msg.RequestID), slog.String("error", err.Error()))
			_ = store.FailRequest(context.WithoutCancel(ctx), msg.RequestID, 0, err)
			return
		}
		if err := store.CompleteRequest(context.WithoutCancel(ctx), msg.RequestID, n); err != nil {
			logger.Warn("failed to complete tts request", slog.String("error", err.Error()))
		}
	})
}

// errorStatus maps a synthesis failure to a response. A zero status means the
// caller went away and nothing should be written.
func errorStatus(err error) (int, errorResponse) {
	var (
		httpErr   *tts.HTTPError
		transport *tts.TransportError
		cancelled *tts.CancellationError
	)
	switch {
	case errors.As(err, &cancelled):
		return 0, errorResponse{}
	case errors.Is(err, tts.ErrClientClosed):
		return http.StatusServiceUnavailable, errorResponse{Error: err.Error()}
	case errors.As(err, &httpErr):
		return http.StatusBadGateway, errorResponse{Error: err.Error(), UpstreamStatus: httpErr.StatusCode}
	case errors.As(err, &transport) && transport.Timeout():
		return http.StatusGatewayTimeout, errorResponse{Error: err.Error()}
	default:
		return http.StatusBadGateway, errorResponse{Error: err.Error()}
	}
}

func upstreamStatus(err error) int {
	var httpErr *tts.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

type requestView struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Locale      string     `json:"locale"`
	Voice       string     `json:"voice"`
	Format      string     `json:"format"`
	TextLength  int        `json:"text_length"`
	Status      string     `json:"status"`
	HTTPStatus  int        `json:"http_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	AudioBytes  int64      `json:"audio_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func requestsHandler(store *eventstore.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limit, ok := parseLimit(w, req)
		if !ok {
			return
		}
		records, err := store.ListRequests(req.Context(), limit)
		if err != nil {
			logger.Error("list requests failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list requests failed"})
			return
		}
		views := make([]requestView, 0, len(records))
		for _, rec := range records {
			v := requestView{
				ID:         rec.ID,
				Source:     rec.Source,
				Locale:     rec.Locale,
				Voice:      rec.Voice,
				Format:     rec.Format,
				TextLength: rec.TextLength,
				Status:     rec.Status,
				HTTPStatus: rec.HTTPStatus,
				Error:      rec.Error,
				AudioBytes: rec.AudioBytes,
				CreatedAt:  rec.CreatedAt,
			}
			if !rec.CompletedAt.IsZero() {
				completed := rec.CompletedAt
				v.CompletedAt = &completed
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)
	})
}

type renewalView struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func renewalsHandler(store *eventstore.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limit, ok := parseLimit(w, req)
		if !ok {
			return
		}
		records, err := store.ListRenewals(req.Context(), limit)
		if err != nil {
			logger.Error("list renewals failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list renewals failed"})
			return
		}
		views := make([]renewalView, 0, len(records))
		for _, rec := range records {
			views = append(views, renewalView{OK: rec.OK, Error: rec.Error, CreatedAt: rec.CreatedAt})
		}
		writeJSON(w, http.StatusOK, views)
	})
}

func parseLimit(w http.ResponseWriter, req *http.Request) (int, bool) {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

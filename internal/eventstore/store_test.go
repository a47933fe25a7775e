package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.RecordRequest(ctx, Request{ID: "r1"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	reqs, err := es.ListRequests(ctx, 10)
	if err != nil || len(reqs) != 0 {
		t.Fatalf("expected nothing stored, got %v (%v)", reqs, err)
	}
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.RecordRequest(ctx, Request{ID: "ok-1", Source: "bus", Locale: "ar-SA", Voice: "Naayf", Format: "riff-16khz-16bit-mono-pcm", TextLength: 5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.RecordRequest(ctx, Request{ID: "bad-1", Source: "http"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.CompleteRequest(ctx, "ok-1", 3200); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := es.FailRequest(ctx, "bad-1", 401, errors.New("speech endpoint returned 401 Unauthorized")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := es.GetRequest(ctx, "ok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.AudioBytes != 3200 || got.Voice != "Naayf" || got.TextLength != 5 {
		t.Fatalf("unexpected completed request: %+v", got)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected completion timestamp")
	}

	failed, err := es.GetRequest(ctx, "bad-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != StatusFailed || failed.HTTPStatus != 401 || failed.Error == "" {
		t.Fatalf("unexpected failed request: %+v", failed)
	}

	if _, err := es.GetRequest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := es.CompleteRequest(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on complete, got %v", err)
	}
}

func TestRenewals(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return base }
	if err := es.RecordRenewal(ctx, nil); err != nil {
		t.Fatalf("record renewal: %v", err)
	}
	es.clock = func() time.Time { return base.Add(9 * time.Minute) }
	if err := es.RecordRenewal(ctx, errors.New("authentication failed (status 503)")); err != nil {
		t.Fatalf("record renewal: %v", err)
	}

	renewals, err := es.ListRenewals(ctx, 10)
	if err != nil {
		t.Fatalf("list renewals: %v", err)
	}
	if len(renewals) != 2 {
		t.Fatalf("expected 2 renewals, got %d", len(renewals))
	}
	if renewals[0].OK || renewals[0].Error == "" {
		t.Fatalf("expected newest renewal to be the failure, got %+v", renewals[0])
	}
	if !renewals[1].OK || !renewals[1].CreatedAt.Equal(base) {
		t.Fatalf("unexpected first renewal: %+v", renewals[1])
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordRequest(ctx, Request{ID: "old"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.RecordRenewal(ctx, nil); err != nil {
		t.Fatalf("record renewal: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordRequest(ctx, Request{ID: "new-1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	if err := es.RecordRequest(ctx, Request{ID: "new-2"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	reqs, err := es.ListRequests(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 1 || reqs[0].ID != "new-2" {
		t.Fatalf("expected only newest request kept, got %+v", reqs)
	}
	renewals, err := es.ListRenewals(ctx, 10)
	if err != nil {
		t.Fatalf("list renewals: %v", err)
	}
	if len(renewals) != 0 {
		t.Fatalf("expected old renewals pruned, got %d", len(renewals))
	}
}

package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmelabs/murmel-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStoreConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	return config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
	}
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.RetentionMode = "ephemeral"
	s := openStore(t, cfg)

	if s.Persistent() {
		t.Fatal("ephemeral store reported persistent")
	}
	if err := s.SaveSession(context.Background(), Session{ID: "s1"}); err != nil {
		t.Fatalf("SaveSession on ephemeral store: %v", err)
	}
	sessions, err := s.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if sessions != nil {
		t.Fatalf("expected no sessions from ephemeral store, got %d", len(sessions))
	}
}

func TestSaveAndListRoundTrip(t *testing.T) {
	s := openStore(t, testStoreConfig(t))
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess := Session{
		ID:         "sess-1",
		StartedAt:  started,
		StoppedAt:  started.Add(3 * time.Second),
		DurationMS: 3000,
		Samples:    48000,
		SampleRate: 16000,
		StopReason: "manual",
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveTranscript(ctx, Transcript{
		SessionID:    "sess-1",
		ModelID:      "base.en",
		Language:     "en",
		Text:         "hello world",
		Confidence:   0.91,
		ProcessingMS: 420,
	}); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "sess-1" || got.DurationMS != 3000 || got.Samples != 48000 || got.SampleRate != 16000 {
		t.Fatalf("unexpected session row: %+v", got)
	}
	if got.StopReason != "manual" {
		t.Fatalf("expected stop reason manual, got %q", got.StopReason)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at round trip: want %v got %v", started, got.StartedAt)
	}
	if !got.StoppedAt.Equal(started.Add(3 * time.Second)) {
		t.Fatalf("stopped_at round trip: want %v got %v", started.Add(3*time.Second), got.StoppedAt)
	}

	transcripts, err := s.ListTranscripts(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(transcripts) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(transcripts))
	}
	tr := transcripts[0]
	if tr.Text != "hello world" || tr.ModelID != "base.en" || tr.Language != "en" {
		t.Fatalf("unexpected transcript row: %+v", tr)
	}
	if tr.Confidence != 0.91 || tr.ProcessingMS != 420 {
		t.Fatalf("unexpected transcript stats: %+v", tr)
	}
	if tr.CreatedAt.IsZero() {
		t.Fatal("transcript created_at not set")
	}
}

func TestSaveSessionUpsertsTotals(t *testing.T) {
	s := openStore(t, testStoreConfig(t))
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.SaveSession(ctx, Session{ID: "sess-1", StartedAt: started, SampleRate: 16000}); err != nil {
		t.Fatalf("SaveSession initial: %v", err)
	}
	if err := s.SaveSession(ctx, Session{
		ID:         "sess-1",
		StartedAt:  started,
		StoppedAt:  started.Add(time.Second),
		DurationMS: 1000,
		Samples:    16000,
		SampleRate: 16000,
		StopReason: "max_duration",
	}); err != nil {
		t.Fatalf("SaveSession final: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("upsert produced %d rows, want 1", len(sessions))
	}
	if sessions[0].DurationMS != 1000 || sessions[0].StopReason != "max_duration" {
		t.Fatalf("totals not updated: %+v", sessions[0])
	}

	if err := s.EnsureSession(ctx, Session{ID: "sess-1", StartedAt: started}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	sessions, err = s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].StopReason != "max_duration" {
		t.Fatalf("EnsureSession overwrote existing row: %+v", sessions)
	}
}

func TestDeletingSessionCascadesTranscripts(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.MaxSessions = 1
	s := openStore(t, cfg)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		if err := s.SaveSession(ctx, Session{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("SaveSession %s: %v", id, err)
		}
		if err := s.SaveTranscript(ctx, Transcript{SessionID: id, Text: "t-" + id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("SaveTranscript %s: %v", id, err)
		}
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("expected only newest session to survive, got %+v", sessions)
	}
	orphans, err := s.ListTranscripts(ctx, "old", 10)
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("transcripts of pruned session survived: %+v", orphans)
	}
	kept, err := s.ListTranscripts(ctx, "new", 10)
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected surviving transcript, got %d", len(kept))
	}
}

func TestPruneByRetentionDays(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.RetentionDays = 7
	s := openStore(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if err := s.SaveSession(ctx, Session{ID: "stale", StartedAt: now.AddDate(0, 0, -10)}); err != nil {
		t.Fatalf("SaveSession stale: %v", err)
	}
	if err := s.SaveSession(ctx, Session{ID: "fresh", StartedAt: now.AddDate(0, 0, -1)}); err != nil {
		t.Fatalf("SaveSession fresh: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "fresh" {
		t.Fatalf("retention by days kept wrong rows: %+v", sessions)
	}
}

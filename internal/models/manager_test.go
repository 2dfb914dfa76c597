package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/pubsub"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testModelsConfig(t *testing.T, extras ...config.ModelEntry) config.ModelsConfig {
	t.Helper()
	return config.ModelsConfig{
		Dir:                t.TempDir(),
		VerifyConcurrency:  2,
		ProgressIntervalMS: 1,
		Extra:              extras,
	}
}

func newManager(t *testing.T, cfg config.ModelsConfig) *Manager {
	t.Helper()
	m := New(context.Background(), cfg, newLogger())
	t.Cleanup(m.Close)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	return m
}

func drainProgress(t *testing.T, sub *pubsub.Subscription[Progress]) []Progress {
	t.Helper()
	var records []Progress
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-sub.C():
			if !ok {
				return records
			}
			records = append(records, p)
		case <-timeout:
			t.Fatalf("timed out draining progress after %d records", len(records))
		}
	}
}

func get(t *testing.T, m *Manager, id string) Descriptor {
	t.Helper()
	for _, d := range m.List() {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("model %s not in catalog", id)
	return Descriptor{}
}

func TestCatalogIncludesPresetsAndExtras(t *testing.T) {
	cfg := testModelsConfig(t, config.ModelEntry{ID: "custom", URL: "http://localhost/custom.bin", SizeBytes: 10})
	m := newManager(t, cfg)

	list := m.List()
	if len(list) != len(Presets())+1 {
		t.Fatalf("expected %d models, got %d", len(Presets())+1, len(list))
	}
	for _, d := range list {
		if d.Status != StatusNotDownloaded {
			t.Fatalf("expected fresh catalog entries not downloaded, %s is %s", d.ID, d.Status)
		}
		if d.LocalPath != "" {
			t.Fatalf("local path must be empty unless available, %s has %q", d.ID, d.LocalPath)
		}
	}
	custom := get(t, m, "custom")
	if custom.FileName != "custom.bin" {
		t.Fatalf("expected file name from URL, got %q", custom.FileName)
	}
}

func TestScanMarksExistingFilesAvailable(t *testing.T) {
	cfg := testModelsConfig(t,
		config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin"},
		config.ModelEntry{ID: "beta", URL: "http://localhost/beta.bin"},
	)
	cfg.Current = "alpha"
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Dir, "alpha.bin"), []byte("alpha-data"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	m := newManager(t, cfg)

	alpha := get(t, m, "alpha")
	if alpha.Status != StatusAvailable {
		t.Fatalf("expected alpha available, got %s", alpha.Status)
	}
	if alpha.LocalPath != filepath.Join(cfg.Dir, "alpha.bin") {
		t.Fatalf("unexpected local path %q", alpha.LocalPath)
	}
	if !alpha.Current {
		t.Fatalf("expected configured current model active")
	}
	if beta := get(t, m, "beta"); beta.Status != StatusNotDownloaded {
		t.Fatalf("expected beta not downloaded, got %s", beta.Status)
	}
}

func TestVerifyOnStartFlagsCorruptedFile(t *testing.T) {
	good := sha256.Sum256([]byte("expected-content"))
	cfg := testModelsConfig(t,
		config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin", SHA256: hex.EncodeToString(good[:])},
	)
	cfg.VerifyOnStart = true
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Dir, "alpha.bin"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	m := newManager(t, cfg)

	alpha := get(t, m, "alpha")
	if alpha.Status != StatusCorrupted {
		t.Fatalf("expected corrupted after verification, got %s", alpha.Status)
	}
	if alpha.LocalPath != "" {
		t.Fatalf("corrupted model must not expose a local path")
	}
}

func TestSetCurrentRequiresAvailable(t *testing.T) {
	m := newManager(t, testModelsConfig(t))

	err := m.SetCurrent("tiny")
	if !fault.Is(err, fault.IllegalState) {
		t.Fatalf("expected illegal state activating missing model, got %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("current model must remain unset after failed activation")
	}
	if err := m.SetCurrent("no-such-model"); !fault.Is(err, fault.IllegalState) {
		t.Fatalf("expected illegal state for unknown model, got %v", err)
	}
}

func TestSetCurrentSwapsAtomically(t *testing.T) {
	cfg := testModelsConfig(t,
		config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin"},
		config.ModelEntry{ID: "beta", URL: "http://localhost/beta.bin"},
	)
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"alpha.bin", "beta.bin"} {
		if err := os.WriteFile(filepath.Join(cfg.Dir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
	m := newManager(t, cfg)
	watch := m.WatchCatalog()
	<-watch.C() // initial snapshot

	if err := m.SetCurrent("alpha"); err != nil {
		t.Fatalf("activate alpha: %v", err)
	}
	if err := m.SetCurrent("beta"); err != nil {
		t.Fatalf("activate beta: %v", err)
	}

	seen := 0
	for snap := range watch.C() {
		seen++
		currents := 0
		for _, d := range snap.Models {
			if d.Current {
				currents++
			}
		}
		if currents > 1 {
			t.Fatalf("snapshot with %d current models", currents)
		}
		if snap.CurrentID == "beta" {
			break
		}
	}
	if seen == 0 {
		t.Fatalf("no catalog snapshots observed")
	}
	cur, ok := m.Current()
	if !ok || cur.ID != "beta" {
		t.Fatalf("expected beta current, got %+v ok=%v", cur, ok)
	}
}

func TestDownloadSuccess(t *testing.T) {
	content := make([]byte, 5*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	sum := sha256.Sum256(content)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5120")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for off := 0; off < len(content); off += 1024 {
			if _, err := w.Write(content[off : off+1024]); err != nil {
				return
			}
			flusher.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	cfg := testModelsConfig(t, config.ModelEntry{
		ID: "test", Name: "Test Model", URL: srv.URL + "/test.bin",
		SizeBytes: 5120, SHA256: hex.EncodeToString(sum[:]),
	})
	m := newManager(t, cfg)

	sub, err := m.Download("test")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	records := drainProgress(t, sub)

	if len(records) < 2 {
		t.Fatalf("expected pending plus terminal at minimum, got %d records", len(records))
	}
	if records[0].Status != ProgressPending {
		t.Fatalf("expected pending first, got %s", records[0].Status)
	}
	terminals := 0
	var prev int64 = -1
	for _, p := range records {
		if p.Downloaded < prev {
			t.Fatalf("downloaded bytes regressed: %d after %d", p.Downloaded, prev)
		}
		prev = p.Downloaded
		if p.Status.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal record, got %d", terminals)
	}
	last := records[len(records)-1]
	if last.Status != ProgressCompleted || last.Downloaded != 5120 || last.Percent != 100 {
		t.Fatalf("unexpected terminal record %+v", last)
	}

	d := get(t, m, "test")
	if d.Status != StatusAvailable {
		t.Fatalf("expected available after download, got %s (%s)", d.Status, d.Error)
	}
	if d.DownloadedAt.IsZero() {
		t.Fatalf("expected download timestamp")
	}
	data, err := os.ReadFile(d.LocalPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("downloaded content mismatch: %d bytes", len(data))
	}
	if err := m.SetCurrent("test"); err != nil {
		t.Fatalf("activate downloaded model: %v", err)
	}
}

func TestDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := testModelsConfig(t, config.ModelEntry{ID: "test", URL: srv.URL + "/test.bin", SizeBytes: 100})
	m := newManager(t, cfg)

	sub, err := m.Download("test")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	records := drainProgress(t, sub)
	last := records[len(records)-1]
	if last.Status != ProgressFailed || last.Err == "" {
		t.Fatalf("expected terminal failed record, got %+v", last)
	}

	d := get(t, m, "test")
	if d.Status != StatusError {
		t.Fatalf("expected error status after 404, got %s", d.Status)
	}
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		t.Fatalf("read model dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files after failed download, found %d", len(entries))
	}

	// A failed download is retryable.
	if _, err := m.Download("test"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("unexpected-bytes"))
	}))
	defer srv.Close()

	wrong := sha256.Sum256([]byte("what-was-promised"))
	cfg := testModelsConfig(t, config.ModelEntry{
		ID: "test", URL: srv.URL + "/test.bin", SHA256: hex.EncodeToString(wrong[:]),
	})
	m := newManager(t, cfg)

	sub, err := m.Download("test")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	records := drainProgress(t, sub)
	last := records[len(records)-1]
	if last.Status != ProgressFailed {
		t.Fatalf("expected failed terminal, got %+v", last)
	}

	d := get(t, m, "test")
	if d.Status != StatusCorrupted {
		t.Fatalf("expected corrupted after checksum mismatch, got %s", d.Status)
	}
	entries, _ := os.ReadDir(cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("expected mismatched download discarded, found %d files", len(entries))
	}
}

func TestDownloadCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 3))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testModelsConfig(t, config.ModelEntry{ID: "test", URL: srv.URL + "/test.bin", SizeBytes: 1000000})
	m := newManager(t, cfg)

	sub, err := m.Download("test")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if d := get(t, m, "test"); d.Status != StatusDownloading {
		t.Fatalf("expected downloading, got %s", d.Status)
	}
	if err := m.CancelDownload("test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	records := drainProgress(t, sub)
	last := records[len(records)-1]
	if last.Status != ProgressCancelled {
		t.Fatalf("expected cancelled terminal, got %+v", last)
	}
	d := get(t, m, "test")
	if d.Status != StatusNotDownloaded {
		t.Fatalf("expected not downloaded after cancel, got %s", d.Status)
	}
	entries, _ := os.ReadDir(cfg.Dir)
	if len(entries) != 0 {
		t.Fatalf("expected partial file removed, found %d files", len(entries))
	}
	if err := m.CancelDownload("test"); !fault.Is(err, fault.IllegalState) {
		t.Fatalf("expected illegal state cancelling idle model, got %v", err)
	}
}

func TestDownloadRejectsActiveStates(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
		select {
		case <-release:
			_, _ = w.Write([]byte("data"))
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := testModelsConfig(t, config.ModelEntry{ID: "test", URL: srv.URL + "/test.bin", SizeBytes: 4})
	m := newManager(t, cfg)

	sub, err := m.Download("test")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if _, err := m.Download("test"); !fault.Is(err, fault.IllegalState) {
		t.Fatalf("expected illegal state for concurrent download, got %v", err)
	}
	live := m.LiveProgress()
	if _, ok := live["test"]; !ok {
		t.Fatalf("expected live progress entry while downloading")
	}

	close(release)
	drainProgress(t, sub)

	if _, err := m.Download("test"); !fault.Is(err, fault.IllegalState) {
		t.Fatalf("expected illegal state downloading an available model, got %v", err)
	}
	if live := m.LiveProgress(); len(live) != 0 {
		t.Fatalf("expected empty live progress after terminal, got %d", len(live))
	}
}

func TestDeleteClearsCurrentWithoutPromotion(t *testing.T) {
	cfg := testModelsConfig(t,
		config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin"},
		config.ModelEntry{ID: "beta", URL: "http://localhost/beta.bin"},
	)
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"alpha.bin", "beta.bin"} {
		if err := os.WriteFile(filepath.Join(cfg.Dir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
	m := newManager(t, cfg)
	if err := m.SetCurrent("alpha"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := m.Delete("alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatalf("deleting the current model must leave no model current")
	}
	alpha := get(t, m, "alpha")
	if alpha.Status != StatusNotDownloaded || alpha.LocalPath != "" || !alpha.DownloadedAt.IsZero() {
		t.Fatalf("expected reset descriptor, got %+v", alpha)
	}
	if _, err := os.Stat(filepath.Join(cfg.Dir, "alpha.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected model file removed, stat err=%v", err)
	}
	if beta := get(t, m, "beta"); beta.Status != StatusAvailable || beta.Current {
		t.Fatalf("delete must not touch other models, beta=%+v", beta)
	}

	// Idempotent: deleting again succeeds without effect.
	if err := m.Delete("alpha"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStorageInfo(t *testing.T) {
	cfg := testModelsConfig(t, config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin"})
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	payload := []byte("sixteen bytes!!!")
	if err := os.WriteFile(filepath.Join(cfg.Dir, "alpha.bin"), payload, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	m := newManager(t, cfg)

	info, err := m.StorageInfo()
	if err != nil {
		t.Fatalf("storage info: %v", err)
	}
	if info.DownloadedCount != 1 {
		t.Fatalf("expected one downloaded model, got %d", info.DownloadedCount)
	}
	if info.OccupiedBytes != int64(len(payload)) {
		t.Fatalf("expected %d occupied bytes, got %d", len(payload), info.OccupiedBytes)
	}
	if info.AvailableBytes <= 0 || info.TotalBytes <= 0 {
		t.Fatalf("expected filesystem capacity, got %+v", info)
	}
}

func TestRecordUsage(t *testing.T) {
	cfg := testModelsConfig(t, config.ModelEntry{ID: "alpha", URL: "http://localhost/alpha.bin"})
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Dir, "alpha.bin"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	m := newManager(t, cfg)

	m.RecordUsage("alpha", 400*time.Millisecond, 0.8)
	m.RecordUsage("alpha", 600*time.Millisecond, 0.6)

	alpha := get(t, m, "alpha")
	if alpha.Usage.Count != 2 {
		t.Fatalf("expected 2 uses, got %d", alpha.Usage.Count)
	}
	if alpha.Usage.ProcessingMS != 1000 {
		t.Fatalf("expected 1000ms cumulative, got %d", alpha.Usage.ProcessingMS)
	}
	if diff := alpha.Usage.AvgConfidence - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected rolling average 0.7, got %f", alpha.Usage.AvgConfidence)
	}
}

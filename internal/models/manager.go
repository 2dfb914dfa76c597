package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/pubsub"
)

// Manager owns the model catalog. Catalog mutations serialize on one mutex
// and publish a fresh snapshot; slow file and network work runs outside it
// under a per-model lock so distinct models never wait on each other.
type Manager struct {
	cfg    config.ModelsConfig
	log    *slog.Logger
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	current   string
	downloads map[string]*download
	locks     map[string]*sync.Mutex

	catalog  *pubsub.Cell[Catalog]
	progress *pubsub.Hub[Progress]

	meter             metric.Meter
	downloadsMetric   metric.Int64Counter
	failuresMetric    metric.Int64Counter
	deletesMetric     metric.Int64Counter
	activationsMetric metric.Int64Counter
}

type entry struct {
	spec         Spec
	status       Status
	errMsg       string
	downloadedAt time.Time
	usage        UsageStats
}

// StorageInfo aggregates model disk usage, recomputed on each call.
type StorageInfo struct {
	DownloadedCount int   `json:"downloaded_count"`
	OccupiedBytes   int64 `json:"occupied_bytes"`
	AvailableBytes  int64 `json:"available_bytes"`
	TotalBytes      int64 `json:"total_bytes"`
}

// New builds a Manager for the configured catalog. Call Start to scan the
// model directory before serving operations.
func New(parent context.Context, cfg config.ModelsConfig, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		cfg:       cfg,
		log:       logger.With(slog.String("component", "models")),
		client:    &http.Client{},
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		downloads: make(map[string]*download),
		locks:     make(map[string]*sync.Mutex),
		progress:  pubsub.NewHub[Progress](64),
		meter:     otel.Meter("github.com/murmelabs/murmel-core/models"),
	}
	for _, spec := range specsFromConfig(cfg) {
		m.entries[spec.ID] = &entry{spec: spec, status: StatusNotDownloaded}
		m.order = append(m.order, spec.ID)
	}
	sort.Strings(m.order)
	m.catalog = pubsub.NewCell(m.snapshotLocked(), 8)
	m.initMetrics()
	return m
}

// Start creates the model directory, scans it for existing files, and applies
// the configured current model if it is available.
func (m *Manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := m.scan(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Current != "" {
		if e, ok := m.entries[m.cfg.Current]; ok && e.status == StatusAvailable {
			m.current = m.cfg.Current
		} else {
			m.log.Warn("configured current model not available", slog.String("model_id", m.cfg.Current))
		}
	}
	m.publishCatalogLocked()
	m.log.Info("model catalog ready",
		slog.Int("models", len(m.order)),
		slog.String("current", m.current),
		slog.String("dir", m.cfg.Dir))
	return nil
}

// scan marks entries whose file already exists. With verification enabled the
// checksum of each file is compared against the catalog; a mismatch marks the
// entry corrupted but leaves the file for inspection.
func (m *Manager) scan(ctx context.Context) error {
	type result struct {
		id     string
		status Status
		errMsg string
	}
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.VerifyConcurrency
	if limit <= 0 {
		limit = 2
	}
	g.SetLimit(limit)

	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	results := make([]result, len(ids))
	for i, id := range ids {
		m.mu.Lock()
		spec := m.entries[id].spec
		m.mu.Unlock()
		path := filepath.Join(m.cfg.Dir, spec.FileName)
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := os.Stat(path); err != nil {
				results[i] = result{id: id, status: StatusNotDownloaded}
				return nil
			}
			if m.cfg.VerifyOnStart && spec.SHA256 != "" {
				sum, err := fileSHA256(path)
				if err != nil {
					results[i] = result{id: id, status: StatusError, errMsg: err.Error()}
					return nil
				}
				if sum != spec.SHA256 {
					results[i] = result{id: id, status: StatusCorrupted, errMsg: "checksum mismatch"}
					return nil
				}
			}
			results[i] = result{id: id, status: StatusAvailable}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scan model dir: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range results {
		e := m.entries[res.id]
		e.status = res.status
		e.errMsg = res.errMsg
		if res.status == StatusAvailable {
			e.downloadedAt = time.Now().UTC()
		}
		if res.status == StatusCorrupted {
			m.log.Warn("model failed verification", slog.String("model_id", res.id))
		}
	}
	return nil
}

// List returns the catalog snapshot, sorted by ID.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().Models
}

// Current returns the active model, if any.
func (m *Manager) Current() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return Descriptor{}, false
	}
	return m.descriptorLocked(m.current), true
}

// WatchCatalog subscribes to catalog snapshots. The current snapshot arrives
// first.
func (m *Manager) WatchCatalog() *pubsub.Subscription[Catalog] {
	return m.catalog.Watch()
}

// WatchProgress subscribes to the progress records of every download.
func (m *Manager) WatchProgress() *pubsub.Subscription[Progress] {
	return m.progress.Subscribe()
}

// LiveProgress returns the latest record per in-flight download. Terminal
// records never appear here.
func (m *Manager) LiveProgress() map[string]Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[string]Progress, len(m.downloads))
	for id, dl := range m.downloads {
		live[id] = dl.last
	}
	return live
}

// SetCurrent activates an available model. The previous current model is
// cleared and the new one set in one catalog mutation, so observers never see
// zero or two active models from a swap.
func (m *Manager) SetCurrent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fault.Errorf(fault.IllegalState, "unknown model %q", id)
	}
	if e.status != StatusAvailable {
		return fault.Errorf(fault.IllegalState, "model %s is %s, not available", id, e.status)
	}
	if m.current == id {
		return nil
	}
	m.current = id
	m.addMetric(m.activationsMetric, 1)
	m.log.Info("model activated", slog.String("model_id", id))
	m.publishCatalogLocked()
	return nil
}

// Delete removes the backing file and reverts the entry to not downloaded.
// Deleting a model that holds no file is a no-op. Deleting the current model
// clears the active selection; no other model is promoted.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fault.Errorf(fault.IllegalState, "unknown model %q", id)
	}
	if e.status == StatusDownloading {
		m.mu.Unlock()
		return fault.Errorf(fault.IllegalState, "model %s is downloading; cancel first", id)
	}
	if e.status == StatusNotDownloaded {
		m.mu.Unlock()
		return nil
	}
	path := filepath.Join(m.cfg.Dir, e.spec.FileName)
	lock := m.lockForLocked(id)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.Device, fmt.Errorf("remove model file: %w", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.status = StatusNotDownloaded
	e.errMsg = ""
	e.downloadedAt = time.Time{}
	if m.current == id {
		m.current = ""
	}
	m.addMetric(m.deletesMetric, 1)
	m.log.Info("model deleted", slog.String("model_id", id))
	m.publishCatalogLocked()
	return nil
}

// CancelDownload aborts an in-flight download. The download goroutine removes
// the partial file and reverts the entry, exactly as a context cancellation
// would.
func (m *Manager) CancelDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.downloads[id]
	if !ok {
		return fault.Errorf(fault.IllegalState, "model %s is not downloading", id)
	}
	dl.cancel()
	return nil
}

// RecordUsage folds one transcription run into the model's statistics.
func (m *Manager) RecordUsage(id string, processing time.Duration, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.usage.Count++
	e.usage.ProcessingMS += processing.Milliseconds()
	e.usage.AvgConfidence += (confidence - e.usage.AvgConfidence) / float64(e.usage.Count)
	m.publishCatalogLocked()
}

// StorageInfo reports downloaded model count, occupied bytes, and filesystem
// capacity for the model directory.
func (m *Manager) StorageInfo() (StorageInfo, error) {
	m.mu.Lock()
	type fileRef struct {
		path      string
		available bool
	}
	files := make([]fileRef, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		files = append(files, fileRef{
			path:      filepath.Join(m.cfg.Dir, e.spec.FileName),
			available: e.status == StatusAvailable,
		})
	}
	m.mu.Unlock()

	var info StorageInfo
	for _, f := range files {
		fi, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		info.OccupiedBytes += fi.Size()
		if f.available {
			info.DownloadedCount++
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.cfg.Dir, &stat); err != nil {
		return info, fault.Wrap(fault.Device, fmt.Errorf("statfs %s: %w", m.cfg.Dir, err))
	}
	info.AvailableBytes = int64(stat.Bavail) * int64(stat.Bsize)
	info.TotalBytes = int64(stat.Blocks) * int64(stat.Bsize)
	return info, nil
}

// Close cancels in-flight downloads and waits for their cleanup.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.progress.Close()
	m.catalog.Close()
}

func (m *Manager) descriptorLocked(id string) Descriptor {
	e := m.entries[id]
	d := Descriptor{
		Spec:         e.spec,
		Status:       e.status,
		Current:      m.current == id,
		DownloadedAt: e.downloadedAt,
		Error:        e.errMsg,
		Usage:        e.usage,
	}
	if e.status == StatusAvailable {
		d.LocalPath = filepath.Join(m.cfg.Dir, e.spec.FileName)
	}
	return d
}

func (m *Manager) snapshotLocked() Catalog {
	snap := Catalog{
		Models:    make([]Descriptor, 0, len(m.order)),
		CurrentID: m.current,
	}
	for _, id := range m.order {
		snap.Models = append(snap.Models, m.descriptorLocked(id))
	}
	return snap
}

func (m *Manager) publishCatalogLocked() {
	m.catalog.Set(m.snapshotLocked())
}

func (m *Manager) lockForLocked(id string) *sync.Mutex {
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) initMetrics() {
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.downloadsMetric, "murmel.models.downloads", "Model downloads completed"},
		{&m.failuresMetric, "murmel.models.download_failures", "Model downloads ended by fault or cancellation"},
		{&m.deletesMetric, "murmel.models.deletes", "Model files deleted"},
		{&m.activationsMetric, "murmel.models.activations", "Model activations"},
	}
	for _, c := range counters {
		counter, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
			return
		}
		*c.target = counter
	}
}

func (m *Manager) addMetric(counter metric.Int64Counter, delta int64) {
	if counter != nil {
		counter.Add(m.ctx, delta)
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

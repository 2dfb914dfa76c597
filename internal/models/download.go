package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/pubsub"
)

// ProgressStatus is the state of one download progress record.
type ProgressStatus string

const (
	ProgressPending     ProgressStatus = "pending"
	ProgressDownloading ProgressStatus = "downloading"
	ProgressPaused      ProgressStatus = "paused"
	ProgressCompleted   ProgressStatus = "completed"
	ProgressFailed      ProgressStatus = "failed"
	ProgressCancelled   ProgressStatus = "cancelled"
)

// Terminal reports whether the record ends its stream.
func (s ProgressStatus) Terminal() bool {
	switch s {
	case ProgressCompleted, ProgressFailed, ProgressCancelled:
		return true
	}
	return false
}

// Progress is one record of a download's progress stream. Downloaded counts
// never decrease within a stream.
type Progress struct {
	ModelID     string
	Status      ProgressStatus
	Downloaded  int64
	Total       int64
	Percent     float64
	BytesPerSec int64
	ETAMS       int64
	Err         string
}

type download struct {
	hub    *pubsub.Hub[Progress]
	cancel context.CancelFunc
	last   Progress
}

// Download begins fetching a model and returns its progress stream. It fails
// before any network activity when the model is already available or already
// downloading. The stream ends with exactly one terminal record, after which
// the subscription channel closes.
func (m *Manager) Download(id string) (*pubsub.Subscription[Progress], error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, fault.Errorf(fault.IllegalState, "unknown model %q", id)
	}
	switch e.status {
	case StatusAvailable:
		m.mu.Unlock()
		return nil, fault.Errorf(fault.IllegalState, "model %s already available", id)
	case StatusDownloading:
		m.mu.Unlock()
		return nil, fault.Errorf(fault.IllegalState, "model %s already downloading", id)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	dl := &download{hub: pubsub.NewHub[Progress](32), cancel: cancel}
	first := Progress{ModelID: id, Status: ProgressPending, Total: e.spec.SizeBytes}
	dl.last = first
	m.downloads[id] = dl
	e.status = StatusDownloading
	e.errMsg = ""
	spec := e.spec
	sub := dl.hub.Subscribe()
	dl.hub.Publish(first)
	m.progress.Publish(first)
	m.publishCatalogLocked()
	m.mu.Unlock()

	m.log.Info("model download started",
		slog.String("model_id", id),
		slog.String("url", spec.URL))
	m.wg.Add(1)
	go m.runDownload(ctx, spec, dl)
	return sub, nil
}

func (m *Manager) runDownload(ctx context.Context, spec Spec, dl *download) {
	defer m.wg.Done()

	dest := filepath.Join(m.cfg.Dir, spec.FileName)
	downloaded, total, err := m.fetch(ctx, spec, dest, dl)

	final := Progress{ModelID: spec.ID, Downloaded: downloaded, Total: total}
	var status Status
	var errMsg string
	switch {
	case err == nil:
		status = StatusAvailable
		final.Status = ProgressCompleted
		final.Percent = 100
	case fault.Is(err, fault.Cancelled):
		status = StatusNotDownloaded
		final.Status = ProgressCancelled
		final.Err = err.Error()
	case fault.Is(err, fault.Integrity):
		status = StatusCorrupted
		errMsg = err.Error()
		final.Status = ProgressFailed
		final.Err = errMsg
	default:
		status = StatusError
		errMsg = err.Error()
		final.Status = ProgressFailed
		final.Err = errMsg
	}
	m.finishDownload(spec.ID, status, errMsg, final, dl)
}

// fetch streams the model into a pending file that only replaces dest after
// the full body arrived and the checksum matched. Any failure leaves no
// partial file behind.
func (m *Manager) fetch(ctx context.Context, spec Spec, dest string, dl *download) (downloaded, total int64, err error) {
	lock := m.lockFor(spec.ID)
	lock.Lock()
	defer lock.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return 0, spec.SizeBytes, fault.Wrap(fault.Network, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, spec.SizeBytes, fault.Wrap(fault.Cancelled, ctx.Err())
		}
		return 0, spec.SizeBytes, fault.Wrap(fault.Network, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, spec.SizeBytes, fault.Errorf(fault.Network, "download %s: unexpected status %s", spec.ID, resp.Status)
	}
	total = resp.ContentLength
	if total <= 0 {
		total = spec.SizeBytes
	}

	pending, err := renameio.NewPendingFile(dest)
	if err != nil {
		return 0, total, fault.Wrap(fault.Device, fmt.Errorf("create pending model file: %w", err))
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			m.log.Debug("cleanup pending model file", slogError(cerr))
		}
	}()

	hasher := sha256.New()
	buf := make([]byte, 256*1024)
	interval := time.Duration(m.cfg.ProgressIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	lastEmit := time.Now()
	var lastBytes int64

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := pending.Write(buf[:n]); werr != nil {
				return downloaded, total, fault.Wrap(fault.Device, fmt.Errorf("write model file: %w", werr))
			}
			hasher.Write(buf[:n])
			downloaded += int64(n)
			if time.Since(lastEmit) >= interval {
				m.emitProgress(dl, progressRecord(spec.ID, downloaded, total, lastBytes, lastEmit))
				lastEmit = time.Now()
				lastBytes = downloaded
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return downloaded, total, fault.Wrap(fault.Cancelled, ctx.Err())
			}
			return downloaded, total, fault.Wrap(fault.Network, fmt.Errorf("read download stream: %w", rerr))
		}
	}

	if resp.ContentLength > 0 && downloaded != resp.ContentLength {
		return downloaded, total, fault.Errorf(fault.Network, "download %s truncated at %d of %d bytes", spec.ID, downloaded, resp.ContentLength)
	}
	if spec.SHA256 != "" {
		if sum := hex.EncodeToString(hasher.Sum(nil)); sum != spec.SHA256 {
			return downloaded, total, fault.Errorf(fault.Integrity, "model %s checksum mismatch", spec.ID)
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return downloaded, total, fault.Wrap(fault.Device, fmt.Errorf("finalize model file: %w", err))
	}
	return downloaded, total, nil
}

func (m *Manager) emitProgress(dl *download, p Progress) {
	m.mu.Lock()
	dl.last = p
	m.mu.Unlock()
	dl.hub.Publish(p)
	m.progress.Publish(p)
}

// finishDownload applies the terminal catalog mutation first, so a consumer
// that sees the terminal progress record already observes the final status.
func (m *Manager) finishDownload(id string, status Status, errMsg string, final Progress, dl *download) {
	m.mu.Lock()
	e := m.entries[id]
	e.status = status
	e.errMsg = errMsg
	if status == StatusAvailable {
		e.downloadedAt = time.Now().UTC()
	} else {
		e.downloadedAt = time.Time{}
	}
	delete(m.downloads, id)
	m.publishCatalogLocked()
	m.mu.Unlock()

	dl.hub.Publish(final)
	m.progress.Publish(final)
	dl.hub.Close()

	switch final.Status {
	case ProgressCompleted:
		m.addMetric(m.downloadsMetric, 1)
		m.log.Info("model download completed",
			slog.String("model_id", id),
			slog.Int64("bytes", final.Downloaded))
	case ProgressCancelled:
		m.addMetric(m.failuresMetric, 1)
		m.log.Info("model download cancelled", slog.String("model_id", id))
	default:
		m.addMetric(m.failuresMetric, 1)
		m.log.Error("model download failed",
			slog.String("model_id", id),
			slog.String("error", final.Err))
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockForLocked(id)
}

func progressRecord(id string, downloaded, total, lastBytes int64, since time.Time) Progress {
	p := Progress{
		ModelID:    id,
		Status:     ProgressDownloading,
		Downloaded: downloaded,
		Total:      total,
	}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total) * 100
	}
	if elapsed := time.Since(since); elapsed > 0 {
		bps := float64(downloaded-lastBytes) / elapsed.Seconds()
		p.BytesPerSec = int64(bps)
		if bps > 0 && total > downloaded {
			p.ETAMS = int64(float64(total-downloaded) / bps * 1000)
		}
	}
	return p
}

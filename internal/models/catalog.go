// Package models manages the inference model catalog: download, integrity
// verification, activation, and deletion. The catalog is a fixed set of
// descriptors; entries change status but are never removed. All mutations
// funnel through the Manager so observers only ever see complete snapshots.
package models

import (
	"path"
	"time"

	"github.com/murmelabs/murmel-core/internal/config"
)

// Status is the lifecycle state of one catalog entry.
type Status string

const (
	StatusNotDownloaded Status = "not_downloaded"
	StatusDownloading   Status = "downloading"
	StatusAvailable     Status = "available"
	StatusError         Status = "error"
	StatusCorrupted     Status = "corrupted"
)

// Spec identifies one downloadable model.
type Spec struct {
	ID        string
	Name      string
	FileName  string
	URL       string
	SizeBytes int64
	SHA256    string
}

// UsageStats accumulates per-model transcription statistics.
type UsageStats struct {
	Count         int64   `json:"count"`
	ProcessingMS  int64   `json:"processing_ms"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Descriptor is an immutable snapshot of one catalog entry. LocalPath is set
// only while the status is available.
type Descriptor struct {
	Spec
	Status       Status
	LocalPath    string
	Current      bool
	DownloadedAt time.Time
	Error        string
	Usage        UsageStats
}

// Catalog is a point-in-time snapshot of every descriptor, sorted by ID.
// CurrentID is empty when no model is active.
type Catalog struct {
	Models    []Descriptor
	CurrentID string
}

// Get returns the descriptor for id.
func (c Catalog) Get(id string) (Descriptor, bool) {
	for _, d := range c.Models {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

const ggmlBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Presets is the built-in whisper.cpp model set. Sizes are the published
// ggml file sizes and inform storage planning only; integrity uses the
// configured checksum when one is present.
func Presets() []Spec {
	return []Spec{
		{
			ID:        "tiny",
			Name:      "Whisper Tiny (multilingual)",
			FileName:  "ggml-tiny.bin",
			URL:       ggmlBase + "ggml-tiny.bin",
			SizeBytes: 77691713,
		},
		{
			ID:        "tiny.en",
			Name:      "Whisper Tiny (English)",
			FileName:  "ggml-tiny.en.bin",
			URL:       ggmlBase + "ggml-tiny.en.bin",
			SizeBytes: 77704715,
		},
		{
			ID:        "base",
			Name:      "Whisper Base (multilingual)",
			FileName:  "ggml-base.bin",
			URL:       ggmlBase + "ggml-base.bin",
			SizeBytes: 147951465,
		},
		{
			ID:        "base.en",
			Name:      "Whisper Base (English)",
			FileName:  "ggml-base.en.bin",
			URL:       ggmlBase + "ggml-base.en.bin",
			SizeBytes: 147964211,
		},
		{
			ID:        "small",
			Name:      "Whisper Small (multilingual)",
			FileName:  "ggml-small.bin",
			URL:       ggmlBase + "ggml-small.bin",
			SizeBytes: 487601967,
		},
	}
}

// specsFromConfig merges the preset catalog with configured extras. An extra
// sharing a preset ID overrides the preset.
func specsFromConfig(cfg config.ModelsConfig) []Spec {
	specs := Presets()
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.ID] = i
	}
	for _, e := range cfg.Extra {
		spec := Spec{
			ID:        e.ID,
			Name:      e.Name,
			FileName:  path.Base(e.URL),
			URL:       e.URL,
			SizeBytes: e.SizeBytes,
			SHA256:    e.SHA256,
		}
		if spec.Name == "" {
			spec.Name = spec.ID
		}
		if i, ok := index[spec.ID]; ok {
			specs[i] = spec
			continue
		}
		index[spec.ID] = len(specs)
		specs = append(specs, spec)
	}
	return specs
}

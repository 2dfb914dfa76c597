package transcribe

import (
	"testing"
	"time"

	"github.com/murmelabs/murmel-core/internal/pubsub"
	"github.com/murmelabs/murmel-core/internal/recorder"
)

func frame(session string, seq uint64, n int) recorder.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.1
	}
	return recorder.Frame{
		SessionID:  session,
		Seq:        seq,
		Samples:    samples,
		SampleRate: 16000,
		Channels:   1,
		Timestamp:  time.Now(),
	}
}

// stereoFrame interleaves n sample pairs with left 0.25 and right 0.75, so a
// correct downmix yields 0.5 everywhere.
func stereoFrame(session string, seq uint64, n int) recorder.Frame {
	samples := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		samples[2*i] = 0.25
		samples[2*i+1] = 0.75
	}
	return recorder.Frame{
		SessionID:  session,
		Seq:        seq,
		Samples:    samples,
		SampleRate: 16000,
		Channels:   2,
		Timestamp:  time.Now(),
	}
}

func TestCollectorAggregatesFrames(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), time.Minute)

	for seq := uint64(1); seq <= 3; seq++ {
		hub.Publish(frame("sess-1", seq, 320))
	}

	clip := col.Finish()
	if clip.SessionID != "sess-1" {
		t.Fatalf("session = %q, want sess-1", clip.SessionID)
	}
	if len(clip.Samples) != 960 {
		t.Fatalf("samples = %d, want 960", len(clip.Samples))
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("format not adopted: %+v", clip)
	}
	if clip.FirstSeq != 1 || clip.LastSeq != 3 || clip.Dropped != 0 {
		t.Fatalf("sequence bookkeeping wrong: %+v", clip)
	}
	if clip.Duration() != 60*time.Millisecond {
		t.Fatalf("duration = %v, want 60ms", clip.Duration())
	}
}

func TestCollectorDownmixesStereoFrames(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), time.Minute)

	for seq := uint64(1); seq <= 3; seq++ {
		hub.Publish(stereoFrame("sess-1", seq, 320))
	}

	clip := col.Finish()
	if clip.Channels != 1 {
		t.Fatalf("channels = %d, want mono clip", clip.Channels)
	}
	if len(clip.Samples) != 960 {
		t.Fatalf("samples = %d, want 960", len(clip.Samples))
	}
	if clip.Duration() != 60*time.Millisecond {
		t.Fatalf("duration = %v, want 60ms", clip.Duration())
	}
	for i, s := range clip.Samples {
		if s != 0.5 {
			t.Fatalf("sample %d = %f, want channel average 0.5", i, s)
		}
	}
}

func TestCollectorDetectsGaps(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), time.Minute)

	for _, seq := range []uint64{1, 2, 5, 6} {
		hub.Publish(frame("sess-1", seq, 320))
	}

	clip := col.Finish()
	if clip.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", clip.Dropped)
	}
	if clip.FirstSeq != 1 || clip.LastSeq != 6 {
		t.Fatalf("sequence range wrong: %+v", clip)
	}
	if len(clip.Samples) != 4*320 {
		t.Fatalf("samples = %d, want %d", len(clip.Samples), 4*320)
	}
}

func TestCollectorIgnoresOtherSessions(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), time.Minute)

	hub.Publish(frame("sess-1", 1, 320))
	hub.Publish(frame("stray", 99, 320))
	hub.Publish(frame("sess-1", 2, 320))

	clip := col.Finish()
	if clip.SessionID != "sess-1" {
		t.Fatalf("session = %q, want sess-1", clip.SessionID)
	}
	if len(clip.Samples) != 640 || clip.LastSeq != 2 {
		t.Fatalf("stray session frame leaked into clip: %+v", clip)
	}
}

func TestCollectorTruncatesAtMaxDuration(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), 25*time.Millisecond)

	for seq := uint64(1); seq <= 3; seq++ {
		hub.Publish(frame("sess-1", seq, 320))
	}

	clip := col.Finish()
	if !clip.Truncated {
		t.Fatal("expected truncated clip")
	}
	if len(clip.Samples) != 400 {
		t.Fatalf("samples = %d, want 400", len(clip.Samples))
	}
	if clip.LastSeq != 3 {
		t.Fatalf("sequence tracking stopped at truncation: %+v", clip)
	}
	if clip.Duration() != 25*time.Millisecond {
		t.Fatalf("duration = %v, want 25ms", clip.Duration())
	}
}

func TestCollectorTruncatesStereoAgainstMonoBudget(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), 100*time.Millisecond)

	// Six stereo frames of 320 sample pairs carry 120ms of audio.
	for seq := uint64(1); seq <= 6; seq++ {
		hub.Publish(stereoFrame("sess-1", seq, 320))
	}

	clip := col.Finish()
	if !clip.Truncated {
		t.Fatal("expected truncated clip")
	}
	if len(clip.Samples) != 1600 {
		t.Fatalf("samples = %d, want 1600", len(clip.Samples))
	}
	if clip.Duration() != 100*time.Millisecond {
		t.Fatalf("duration = %v, want 100ms", clip.Duration())
	}
}

func TestCollectorSnapshotWhileRunning(t *testing.T) {
	hub := pubsub.NewHub[recorder.Frame](16)
	defer hub.Close()
	col := NewCollector(hub.Subscribe(), time.Minute)

	hub.Publish(frame("sess-1", 1, 320))

	deadline := time.Now().Add(2 * time.Second)
	for col.Clip().LastSeq != 1 {
		if time.Now().After(deadline) {
			t.Fatal("collector never saw first frame")
		}
		time.Sleep(2 * time.Millisecond)
	}

	hub.Publish(frame("sess-1", 2, 320))
	clip := col.Finish()
	if clip.LastSeq != 2 || len(clip.Samples) != 640 {
		t.Fatalf("final clip wrong: %+v", clip)
	}
}

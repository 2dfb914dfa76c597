package transcribe

import (
	"sync"
	"time"

	"github.com/murmelabs/murmel-core/internal/audio"
	"github.com/murmelabs/murmel-core/internal/pubsub"
	"github.com/murmelabs/murmel-core/internal/recorder"
)

// Clip is one session's aggregated audio, ready for inference.
type Clip struct {
	SessionID  string
	Samples    []float32
	SampleRate int
	// Channels is 1 for any adopted clip: stereo frames are downmixed on
	// arrival so duration math and the engine see a single channel.
	Channels int
	FirstSeq uint64
	LastSeq  uint64
	// Dropped counts frames lost between FirstSeq and LastSeq, detected by
	// sequence gaps.
	Dropped   uint64
	Truncated bool
}

// Duration reports the clip length in audio time.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Collector drains a frame subscription into a growing clip. One collector
// serves one session: it adopts the session of the first frame it sees and
// ignores frames from any other session. Aggregation is bounded by maxClip
// so a runaway session cannot exhaust memory.
type Collector struct {
	sub     *pubsub.Subscription[recorder.Frame]
	maxClip time.Duration
	done    chan struct{}

	mu         sync.Mutex
	sessionID  string
	sampleRate int
	channels   int
	samples    []float32
	maxSamples int
	firstSeq   uint64
	lastSeq    uint64
	dropped    uint64
	truncated  bool
}

// NewCollector starts draining frames immediately. Subscribe before the
// session starts so no leading frames are missed.
func NewCollector(sub *pubsub.Subscription[recorder.Frame], maxClip time.Duration) *Collector {
	c := &Collector{
		sub:     sub,
		maxClip: maxClip,
		done:    make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Collector) drain() {
	defer close(c.done)
	for frame := range c.sub.C() {
		c.add(frame)
	}
}

func (c *Collector) add(frame recorder.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		c.sessionID = frame.SessionID
		c.sampleRate = frame.SampleRate
		c.channels = 1
		if c.maxClip > 0 && frame.SampleRate > 0 {
			c.maxSamples = int(int64(frame.SampleRate) * c.maxClip.Milliseconds() / 1000)
		}
	}
	if frame.SessionID != c.sessionID {
		return
	}

	if c.firstSeq == 0 {
		c.firstSeq = frame.Seq
	} else if frame.Seq > c.lastSeq+1 {
		c.dropped += frame.Seq - c.lastSeq - 1
	}
	c.lastSeq = frame.Seq

	if c.truncated {
		return
	}
	// Interleaved stereo folds to mono here, so maxSamples and the clip
	// duration count per-channel sample groups.
	samples := audio.DownmixMono(frame.Samples, frame.Channels)
	room := len(samples)
	if c.maxSamples > 0 && len(c.samples)+room > c.maxSamples {
		room = c.maxSamples - len(c.samples)
		c.truncated = true
	}
	if room > 0 {
		c.samples = append(c.samples, samples[:room]...)
	}
}

// Finish stops collecting, waits for buffered frames to land, and returns the
// aggregated clip. Safe to call once; the subscription is closed.
func (c *Collector) Finish() Clip {
	c.sub.Close()
	<-c.done
	return c.snapshot()
}

// Clip returns the aggregation so far without stopping the collector.
func (c *Collector) Clip() Clip {
	return c.snapshot()
}

func (c *Collector) snapshot() Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	samples := make([]float32, len(c.samples))
	copy(samples, c.samples)
	return Clip{
		SessionID:  c.sessionID,
		Samples:    samples,
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		FirstSeq:   c.firstSeq,
		LastSeq:    c.lastSeq,
		Dropped:    c.dropped,
		Truncated:  c.truncated,
	}
}

package vad

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Decision is the per-chunk output of the detector.
type Decision struct {
	Speech bool
	Energy float64
}

// Event marks a speech boundary derived from consecutive decisions.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

// Detector classifies audio chunks as speech or silence.
type Detector interface {
	Name() string
	Detect(pcm []byte, sampleRate int) Decision
}

// Model is an energy-based voice activity detector. Load is expected to
// be called once per worker process, before any session starts.
type Model struct {
	Threshold float64
	loaded    bool
}

var (
	loadOnce sync.Once
	shared   *Model
)

// Load initializes the shared VAD model. Safe to call more than once;
// subsequent calls return the already-loaded instance.
func Load() *Model {
	loadOnce.Do(func() {
		start := time.Now()
		shared = &Model{Threshold: 0.015, loaded: true}
		slog.Info("vad_model_loaded", "elapsed", time.Since(start).String())
	})
	return shared
}

func (m *Model) Name() string { return "energy_vad" }

// Loaded reports whether Load completed for this instance.
func (m *Model) Loaded() bool { return m != nil && m.loaded }

// Detect computes normalized RMS energy over 16-bit little-endian PCM.
func (m *Model) Detect(pcm []byte, sampleRate int) Decision {
	if len(pcm) < 2 {
		return Decision{}
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	energy := math.Sqrt(sum / float64(n))
	return Decision{Speech: energy >= m.Threshold, Energy: energy}
}

// Tracker turns chunk decisions into speech start/end events, with a
// silence hangover so short pauses do not end the segment.
type Tracker struct {
	detector   Detector
	hangover   time.Duration
	inSpeech   bool
	lastSpeech time.Time
	now        func() time.Time
}

func NewTracker(detector Detector, hangover time.Duration) *Tracker {
	if hangover <= 0 {
		hangover = 300 * time.Millisecond
	}
	return &Tracker{
		detector: detector,
		hangover: hangover,
		now:      time.Now,
	}
}

func (t *Tracker) Observe(pcm []byte, sampleRate int) Event {
	d := t.detector.Detect(pcm, sampleRate)
	now := t.now()
	if d.Speech {
		t.lastSpeech = now
		if !t.inSpeech {
			t.inSpeech = true
			return EventSpeechStart
		}
		return EventNone
	}
	if t.inSpeech && now.Sub(t.lastSpeech) >= t.hangover {
		t.inSpeech = false
		return EventSpeechEnd
	}
	return EventNone
}

func (t *Tracker) InSpeech() bool { return t.inSpeech }

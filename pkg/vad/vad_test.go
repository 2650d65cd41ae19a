package vad

import (
	"math"
	"testing"
	"time"
)

func pcmTone(samples int, amplitude float64) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.MaxInt16 * math.Sin(float64(i)*0.3))
		buf[2*i] = byte(uint16(v))
		buf[2*i+1] = byte(uint16(v) >> 8)
	}
	return buf
}

func TestLoadReturnsSameInstance(t *testing.T) {
	a := Load()
	b := Load()
	if a != b {
		t.Fatalf("expected shared model instance")
	}
	if !a.Loaded() {
		t.Fatalf("expected model to be loaded")
	}
}

func TestDetectSpeechVsSilence(t *testing.T) {
	m := Load()

	loud := m.Detect(pcmTone(320, 0.5), 16000)
	if !loud.Speech {
		t.Fatalf("expected loud tone to be speech, energy=%f", loud.Energy)
	}

	quiet := m.Detect(pcmTone(320, 0.001), 16000)
	if quiet.Speech {
		t.Fatalf("expected quiet tone to be silence, energy=%f", quiet.Energy)
	}
}

func TestDetectEmptyChunk(t *testing.T) {
	m := Load()
	d := m.Detect(nil, 16000)
	if d.Speech || d.Energy != 0 {
		t.Fatalf("expected zero decision for empty chunk, got %+v", d)
	}
}

func TestTrackerHangover(t *testing.T) {
	tr := NewTracker(Load(), 200*time.Millisecond)
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	speech := pcmTone(320, 0.5)
	silence := pcmTone(320, 0.0)

	if ev := tr.Observe(speech, 16000); ev != EventSpeechStart {
		t.Fatalf("expected speech start, got %d", ev)
	}
	if ev := tr.Observe(speech, 16000); ev != EventNone {
		t.Fatalf("expected no event mid-speech, got %d", ev)
	}

	// Short pause stays inside the hangover window.
	clock = clock.Add(100 * time.Millisecond)
	if ev := tr.Observe(silence, 16000); ev != EventNone {
		t.Fatalf("expected no event within hangover, got %d", ev)
	}
	if !tr.InSpeech() {
		t.Fatalf("expected tracker to remain in speech")
	}

	clock = clock.Add(250 * time.Millisecond)
	if ev := tr.Observe(silence, 16000); ev != EventSpeechEnd {
		t.Fatalf("expected speech end after hangover, got %d", ev)
	}
	if tr.InSpeech() {
		t.Fatalf("expected tracker to leave speech")
	}
}

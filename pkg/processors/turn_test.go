package processors

import (
	"math"
	"testing"
	"time"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/turn"
	"github.com/harunnryd/sona/pkg/vad"
)

type nullEmitter struct{}

func (nullEmitter) Emit(frames.Frame) error { return nil }

func pcmChunk(amplitude float64) []byte {
	buf := make([]byte, 640)
	for i := 0; i < 320; i++ {
		v := int16(amplitude * math.MaxInt16 * math.Sin(float64(i)*0.3))
		buf[2*i] = byte(uint16(v))
		buf[2*i+1] = byte(uint16(v) >> 8)
	}
	return buf
}

func sttFinal(sessionID, text string) frames.TextFrame {
	meta := map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: "true",
	}
	return frames.NewTextFrame(sessionID, time.Now().UnixNano(), text, meta)
}

func newTurnProc(preemptive bool) *TurnProcessor {
	manager := turn.NewManager(turn.AggressiveStrategy{}, nullEmitter{})
	return NewTurnProcessor(manager, vad.Load(), TurnOptions{Preemptive: preemptive})
}

func findUtterance(out []frames.Frame) (frames.TextFrame, bool) {
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok {
			return tf, true
		}
	}
	return frames.TextFrame{}, false
}

func TestConfidentTranscriptReleasesImmediately(t *testing.T) {
	proc := newTurnProc(false)

	out, err := proc.Process(sttFinal("sess-1", "What is the weather in Tokyo?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	tf, ok := findUtterance(out)
	if !ok {
		t.Fatalf("expected utterance release for complete sentence")
	}
	if tf.Text() != "What is the weather in Tokyo?" {
		t.Fatalf("unexpected utterance %q", tf.Text())
	}
	if tf.Meta()[frames.MetaReason] != "eot_model" {
		t.Fatalf("expected eot_model reason, got %q", tf.Meta()[frames.MetaReason])
	}
}

func TestIncompleteTranscriptWaitsForSilence(t *testing.T) {
	proc := newTurnProc(false)

	out, err := proc.Process(sttFinal("sess-1", "I want to tell you about my"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := findUtterance(out); ok {
		t.Fatalf("mid-sentence transcript should be held")
	}

	// Speech then silence past the hangover releases the held text.
	loud := frames.NewAudioFrame("sess-1", 1, pcmChunk(0.5), 16000, 1, nil)
	if _, err := proc.Process(loud); err != nil {
		t.Fatalf("audio: %v", err)
	}
	time.Sleep(350 * time.Millisecond)
	quiet := frames.NewAudioFrame("sess-1", 2, pcmChunk(0), 16000, 1, nil)
	out, err = proc.Process(quiet)
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	tf, ok := findUtterance(out)
	if !ok {
		t.Fatalf("expected utterance release after silence")
	}
	if tf.Meta()[frames.MetaReason] != "silence" {
		t.Fatalf("expected silence reason, got %q", tf.Meta()[frames.MetaReason])
	}
}

func TestPreemptiveReleasesEarly(t *testing.T) {
	proc := newTurnProc(true)

	out, err := proc.Process(sttFinal("sess-1", "I want to tell you about my"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	tf, ok := findUtterance(out)
	if !ok {
		t.Fatalf("preemptive mode should release immediately")
	}
	if tf.Meta()[frames.MetaPreemptive] != "true" {
		t.Fatalf("expected preemptive marker")
	}
}

func TestSegmentsAggregateAcrossFinals(t *testing.T) {
	proc := newTurnProc(false)

	if _, err := proc.Process(sttFinal("sess-1", "my name is")); err != nil {
		t.Fatalf("first segment: %v", err)
	}
	out, err := proc.Process(sttFinal("sess-1", "Harun and I am thirty."))
	if err != nil {
		t.Fatalf("second segment: %v", err)
	}
	tf, ok := findUtterance(out)
	if !ok {
		t.Fatalf("expected release after complete second segment")
	}
	if tf.Text() != "my name is Harun and I am thirty." {
		t.Fatalf("segments not aggregated: %q", tf.Text())
	}
}

func TestInterimTextSwallowed(t *testing.T) {
	proc := newTurnProc(false)

	meta := map[string]string{frames.MetaSource: "stt", frames.MetaIsFinal: "false"}
	interim := frames.NewTextFrame("sess-1", 1, "partial", meta)
	out, err := proc.Process(interim)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("interim text should not pass through, got %d frames", len(out))
	}
}

func TestNoiseGateAttenuatesQuietSamples(t *testing.T) {
	proc := NewNoiseProcessor(NoiseModeBVCTelephony)

	quiet := frames.NewAudioFrame("sess-1", 1, pcmChunk(0.002), 16000, 1, nil)
	out, err := proc.Process(quiet)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	af := out[0].(frames.AudioFrame)
	for i, b := range af.RawPayload() {
		if b != 0 {
			t.Fatalf("sample %d not gated: %d", i, b)
		}
	}
}

func TestNoiseOffPassesThrough(t *testing.T) {
	proc := NewNoiseProcessor(NoiseModeOff)
	f := frames.NewAudioFrame("sess-1", 1, pcmChunk(0.5), 16000, 1, nil)
	out, err := proc.Process(f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("off mode must pass exactly one frame")
	}
	af := out[0].(frames.AudioFrame)
	if &af.RawPayload()[0] != &f.RawPayload()[0] {
		t.Fatalf("off mode must not copy the payload")
	}
}

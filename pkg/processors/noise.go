package processors

import (
	"math"
	"strings"

	"github.com/harunnryd/sona/pkg/frames"
	"github.com/harunnryd/sona/pkg/pipeline"
)

// NoiseMode selects how aggressively inbound audio is cleaned before STT.
type NoiseMode string

const (
	NoiseModeOff          NoiseMode = "off"
	NoiseModeBVC          NoiseMode = "bvc"
	NoiseModeBVCTelephony NoiseMode = "bvc_telephony"
)

func ParseNoiseMode(s string) NoiseMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bvc":
		return NoiseModeBVC
	case "bvc_telephony", "bvc-telephony":
		return NoiseModeBVCTelephony
	default:
		return NoiseModeOff
	}
}

// NoiseProcessor applies a noise gate with a DC-blocking high-pass filter
// to inbound audio frames. Telephony mode gates harder to compensate for
// narrowband line noise.
type NoiseProcessor struct {
	mode      NoiseMode
	gate      float64
	prevIn    float64
	prevOut   float64
	hpassCoef float64
}

func NewNoiseProcessor(mode NoiseMode) *NoiseProcessor {
	p := &NoiseProcessor{mode: mode, hpassCoef: 0.995}
	switch mode {
	case NoiseModeBVC:
		p.gate = 0.005
	case NoiseModeBVCTelephony:
		p.gate = 0.012
	}
	return p
}

func (p *NoiseProcessor) Name() string { return "noise_cancellation" }

func (p *NoiseProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if p.mode == NoiseModeOff || f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	src := af.RawPayload()
	if len(src) < 2 {
		return []frames.Frame{f}, nil
	}

	out := make([]byte, len(src))
	n := len(src) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
		in := float64(s) / math.MaxInt16

		// one-pole high-pass removes DC and rumble
		hp := p.hpassCoef * (p.prevOut + in - p.prevIn)
		p.prevIn = in
		p.prevOut = hp

		if math.Abs(hp) < p.gate {
			hp = 0
		}
		v := int16(hp * math.MaxInt16)
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}

	meta := af.Meta()
	clean := frames.NewAudioFrame(meta[frames.MetaSessionID], af.PTS(), out, af.Rate(), af.Channels(), meta)
	frames.ReleaseAudioFrame(f)
	return []frames.Frame{clean}, nil
}

var _ pipeline.FrameProcessor = (*NoiseProcessor)(nil)

package amd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var ErrNoAudio = errors.New("amd: no audio samples")

// Config tunes answering machine detection on recorded audio.
type Config struct {
	// BeepWeight and TranscriptWeight combine the two signals into the
	// final confidence score.
	BeepWeight       float64
	TranscriptWeight float64

	// Sensitivity is the confidence at or above which the recording is
	// classified as a machine.
	Sensitivity float64

	// BeepMinAmplitude is the 16-bit sample magnitude a tone must
	// sustain to count as a beep.
	BeepMinAmplitude int

	// BeepMinDuration is how long the tone must be sustained.
	BeepMinDuration time.Duration

	// Keywords are voicemail greeting phrases matched against the
	// transcript, case-insensitive.
	Keywords []string
}

func (c *Config) applyDefaults() {
	if c.BeepWeight <= 0 {
		c.BeepWeight = 0.55
	}
	if c.TranscriptWeight <= 0 {
		c.TranscriptWeight = 0.45
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = 0.55
	}
	if c.BeepMinAmplitude <= 0 {
		c.BeepMinAmplitude = 9000
	}
	if c.BeepMinDuration <= 0 {
		c.BeepMinDuration = 180 * time.Millisecond
	}
	if len(c.Keywords) == 0 {
		c.Keywords = defaultKeywords
	}
}

var defaultKeywords = []string{
	"leave a message",
	"leave your name",
	"after the tone",
	"at the tone",
	"after the beep",
	"voicemail",
	"not available",
	"unable to take your call",
}

// keywordSaturation is the hit count at which the transcript signal is
// considered fully confirming.
const keywordSaturation = 2

// Transcriber produces text from recorded audio; implementations call
// an external speech service.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Result is the outcome of one analysis.
type Result struct {
	Detected   bool
	Confidence float64

	BeepDetected bool
	BeepOffset   time.Duration

	Transcript   string
	KeywordHits  []string
	KeywordRatio float64

	Reasons []string
}

// Detector classifies a recorded greeting as human or machine by
// combining a beep-tone scan with transcript keyword matching.
type Detector struct {
	cfg   Config
	trans Transcriber
	log   *slog.Logger
}

// NewDetector builds a detector; trans may be nil, which disables the
// transcript signal.
func NewDetector(cfg Config, trans Transcriber, log *slog.Logger) *Detector {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cfg: cfg, trans: trans, log: log}
}

// Analyze scores raw 16-bit little-endian mono PCM.
func (d *Detector) Analyze(ctx context.Context, pcm []byte, sampleRate int) (Result, error) {
	if len(pcm) < 2 || sampleRate <= 0 {
		return Result{}, ErrNoAudio
	}

	var res Result
	res.BeepDetected, res.BeepOffset = d.scanBeep(pcm, sampleRate)
	if res.BeepDetected {
		res.Reasons = append(res.Reasons, fmt.Sprintf("beep at %s", res.BeepOffset.Round(10*time.Millisecond)))
	}

	if d.trans != nil {
		text, err := d.trans.Transcribe(ctx, pcm, sampleRate)
		if err != nil {
			// The beep signal still stands on its own.
			d.log.Warn("transcription failed, scoring on beep only", "err", err)
		} else {
			res.Transcript = text
			res.KeywordHits = matchKeywords(text, d.cfg.Keywords)
			res.KeywordRatio = ratio(len(res.KeywordHits))
			for _, k := range res.KeywordHits {
				res.Reasons = append(res.Reasons, "keyword: "+k)
			}
		}
	}

	beep := 0.0
	if res.BeepDetected {
		beep = 1.0
	}
	score := d.cfg.BeepWeight*beep + d.cfg.TranscriptWeight*res.KeywordRatio
	if score > 1 {
		score = 1
	}
	res.Confidence = score
	res.Detected = score >= d.cfg.Sensitivity
	return res, nil
}

// scanBeep looks for a sustained high-amplitude tone.
func (d *Detector) scanBeep(pcm []byte, sampleRate int) (bool, time.Duration) {
	minRun := int(d.cfg.BeepMinDuration.Seconds() * float64(sampleRate))
	if minRun < 1 {
		minRun = 1
	}

	run := 0
	samples := len(pcm) / 2
	for i := 0; i < samples; i++ {
		s := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		if s >= d.cfg.BeepMinAmplitude {
			run++
			if run >= minRun {
				start := i - run + 1
				return true, time.Duration(start) * time.Second / time.Duration(sampleRate)
			}
		} else {
			run = 0
		}
	}
	return false, 0
}

func matchKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			hits = append(hits, k)
		}
	}
	return hits
}

func ratio(hits int) float64 {
	if hits >= keywordSaturation {
		return 1
	}
	return float64(hits) / keywordSaturation
}

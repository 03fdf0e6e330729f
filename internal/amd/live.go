package amd

import (
	"sync"
	"time"
)

// LiveConfig tunes the in-call heuristic that runs before any recording
// exists. It keys off talk-detection events: humans answer with a short
// greeting and pause; machines play a long uninterrupted greeting, and
// dead air means no one is speaking at all.
type LiveConfig struct {
	// MaxSilence is how long to wait for any speech after answer.
	MaxSilence time.Duration

	// MaxGreeting is the longest opening utterance still considered a
	// human greeting.
	MaxGreeting time.Duration

	// AssumeHuman controls the verdict when the call is torn down
	// before any signal was decisive.
	AssumeHuman bool
}

func (c *LiveConfig) applyDefaults() {
	if c.MaxSilence <= 0 {
		c.MaxSilence = 5 * time.Second
	}
	if c.MaxGreeting <= 0 {
		c.MaxGreeting = 3500 * time.Millisecond
	}
}

// Verdict is the live classification of the far end.
type Verdict struct {
	Machine    bool
	Confidence float64
	Reason     string
}

// LiveDetector consumes talking started/finished events for a single
// call and emits exactly one verdict; the first decisive signal wins.
type LiveDetector struct {
	cfg LiveConfig

	once    sync.Once
	verdict chan Verdict

	mu      sync.Mutex
	silence *time.Timer
	greet   *time.Timer
}

func NewLiveDetector(cfg LiveConfig) *LiveDetector {
	cfg.applyDefaults()
	d := &LiveDetector{
		cfg:     cfg,
		verdict: make(chan Verdict, 1),
	}
	d.silence = time.AfterFunc(cfg.MaxSilence, func() {
		d.decide(Verdict{Machine: true, Confidence: 0.6, Reason: "no speech after answer"})
	})
	return d
}

// Verdict delivers the single classification for this call.
func (d *LiveDetector) Verdict() <-chan Verdict {
	return d.verdict
}

// OnTalkingStarted handles the far end beginning to speak.
func (d *LiveDetector) OnTalkingStarted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silence.Stop()
	if d.greet != nil {
		return
	}
	d.greet = time.AfterFunc(d.cfg.MaxGreeting, func() {
		d.decide(Verdict{Machine: true, Confidence: 0.8, Reason: "greeting exceeded human length"})
	})
}

// OnTalkingFinished handles the far end going quiet. A greeting that
// ended before the machine threshold reads as a human answering.
func (d *LiveDetector) OnTalkingFinished() {
	d.mu.Lock()
	greetRunning := d.greet != nil && d.greet.Stop()
	d.mu.Unlock()
	if greetRunning {
		d.decide(Verdict{Machine: false, Confidence: 0.7, Reason: "short greeting then pause"})
	}
}

// Stop ends detection; an undecided call falls back to the configured
// assumption.
func (d *LiveDetector) Stop() {
	d.mu.Lock()
	d.silence.Stop()
	if d.greet != nil {
		d.greet.Stop()
	}
	d.mu.Unlock()

	reason := "call ended before detection"
	if d.cfg.AssumeHuman {
		d.decide(Verdict{Machine: false, Confidence: 0.5, Reason: reason})
	} else {
		d.decide(Verdict{Machine: true, Confidence: 0.5, Reason: reason})
	}
}

func (d *LiveDetector) decide(v Verdict) {
	d.once.Do(func() {
		d.verdict <- v
	})
}

package amd

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

const testRate = 8000

// pcmWithBeep builds mono 16-bit audio: quiet, then a loud sustained
// tone starting at beepAt.
func pcmWithBeep(total, beepAt, beepLen time.Duration) []byte {
	samples := int(total.Seconds() * testRate)
	start := int(beepAt.Seconds() * testRate)
	end := start + int(beepLen.Seconds()*testRate)
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		var v int16 = 120 // background noise
		if i >= start && i < end {
			v = 12000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func quietPCM(total time.Duration) []byte {
	return pcmWithBeep(total, 0, 0)
}

type fixedTranscriber struct {
	text string
	err  error
}

func (f fixedTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return f.text, f.err
}

func TestAnalyzeBeepOnly(t *testing.T) {
	d := NewDetector(Config{}, fixedTranscriber{text: "hello who is this"}, nil)
	res, err := d.Analyze(context.Background(), pcmWithBeep(3*time.Second, 2*time.Second, 400*time.Millisecond), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.BeepDetected {
		t.Fatal("beep not detected")
	}
	if got := res.BeepOffset.Round(100 * time.Millisecond); got != 2*time.Second {
		t.Fatalf("beep offset = %s, want ~2s", got)
	}
	// Beep alone sits exactly at the default sensitivity boundary and
	// must classify as a machine.
	if res.Confidence != 0.55 {
		t.Fatalf("confidence = %v, want 0.55", res.Confidence)
	}
	if !res.Detected {
		t.Fatal("beep-only recording must be detected at default sensitivity")
	}
}

func TestAnalyzeTranscriptOnly(t *testing.T) {
	d := NewDetector(Config{}, fixedTranscriber{
		text: "You have reached the voicemail of Pat. Please leave a message after the tone.",
	}, nil)
	res, err := d.Analyze(context.Background(), quietPCM(2*time.Second), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.BeepDetected {
		t.Fatal("no beep in quiet audio")
	}
	if res.KeywordRatio != 1 {
		t.Fatalf("keyword ratio = %v with hits %v", res.KeywordRatio, res.KeywordHits)
	}
	// 0.45 keyword signal alone stays under the 0.55 threshold.
	if res.Detected {
		t.Fatal("transcript-only must not reach default sensitivity")
	}
}

func TestAnalyzeCombinedSignals(t *testing.T) {
	d := NewDetector(Config{}, fixedTranscriber{
		text: "please leave a message after the beep",
	}, nil)
	res, err := d.Analyze(context.Background(), pcmWithBeep(3*time.Second, time.Second, 300*time.Millisecond), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Detected || res.Confidence != 1 {
		t.Fatalf("combined signals: detected=%v confidence=%v", res.Detected, res.Confidence)
	}
	if len(res.Reasons) < 2 {
		t.Fatalf("reasons = %v", res.Reasons)
	}
}

func TestAnalyzeHumanGreeting(t *testing.T) {
	d := NewDetector(Config{}, fixedTranscriber{text: "hello this is pat speaking"}, nil)
	res, err := d.Analyze(context.Background(), quietPCM(2*time.Second), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Detected || res.Confidence != 0 {
		t.Fatalf("human greeting scored %v", res.Confidence)
	}
}

func TestAnalyzeTranscriberFailureFallsBackToBeep(t *testing.T) {
	d := NewDetector(Config{}, fixedTranscriber{err: errors.New("asr down")}, nil)
	res, err := d.Analyze(context.Background(), pcmWithBeep(2*time.Second, 500*time.Millisecond, 300*time.Millisecond), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Detected {
		t.Fatal("beep must carry detection when transcription fails")
	}
}

func TestAnalyzeShortToneIgnored(t *testing.T) {
	d := NewDetector(Config{}, nil, nil)
	// 50ms blip is below the sustained-tone minimum.
	res, err := d.Analyze(context.Background(), pcmWithBeep(2*time.Second, time.Second, 50*time.Millisecond), testRate)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.BeepDetected {
		t.Fatal("short blip classified as beep")
	}
}

func TestAnalyzeNoAudio(t *testing.T) {
	d := NewDetector(Config{}, nil, nil)
	if _, err := d.Analyze(context.Background(), nil, testRate); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestLiveDetectorLongGreeting(t *testing.T) {
	d := NewLiveDetector(LiveConfig{MaxSilence: time.Second, MaxGreeting: 30 * time.Millisecond})
	d.OnTalkingStarted()

	select {
	case v := <-d.Verdict():
		if !v.Machine {
			t.Fatalf("long greeting verdict: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no verdict after greeting threshold")
	}
}

func TestLiveDetectorShortGreeting(t *testing.T) {
	d := NewLiveDetector(LiveConfig{MaxSilence: time.Second, MaxGreeting: 500 * time.Millisecond})
	d.OnTalkingStarted()
	time.Sleep(20 * time.Millisecond)
	d.OnTalkingFinished()

	select {
	case v := <-d.Verdict():
		if v.Machine {
			t.Fatalf("short greeting verdict: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no verdict after short greeting")
	}
}

func TestLiveDetectorSilence(t *testing.T) {
	d := NewLiveDetector(LiveConfig{MaxSilence: 30 * time.Millisecond, MaxGreeting: 500 * time.Millisecond})

	select {
	case v := <-d.Verdict():
		if !v.Machine || v.Reason != "no speech after answer" {
			t.Fatalf("silence verdict: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no verdict after silence window")
	}
}

func TestLiveDetectorFirstSignalWins(t *testing.T) {
	d := NewLiveDetector(LiveConfig{MaxSilence: time.Second, MaxGreeting: 30 * time.Millisecond})
	d.OnTalkingStarted()
	<-d.Verdict()

	// Later events and teardown must not produce a second verdict.
	d.OnTalkingFinished()
	d.Stop()
	select {
	case v := <-d.Verdict():
		t.Fatalf("second verdict emitted: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLiveDetectorStopAssumesConfigured(t *testing.T) {
	d := NewLiveDetector(LiveConfig{MaxSilence: time.Hour, AssumeHuman: true})
	d.Stop()
	v := <-d.Verdict()
	if v.Machine {
		t.Fatalf("AssumeHuman teardown verdict: %+v", v)
	}
}

package ari

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types consumed by the engine. Anything else on the stream is
// ignored by callers.
const (
	EventStasisStart            = "StasisStart"
	EventStasisEnd              = "StasisEnd"
	EventChannelDtmfReceived    = "ChannelDtmfReceived"
	EventPlaybackFinished       = "PlaybackFinished"
	EventPlaybackFailed         = "PlaybackFailed"
	EventChannelTalkingStarted  = "ChannelTalkingStarted"
	EventChannelTalkingFinished = "ChannelTalkingFinished"
	EventChannelDestroyed       = "ChannelDestroyed"
	EventRecordingFinished      = "RecordingFinished"
	EventRecordingFailed        = "RecordingFailed"
)

// Event is the decoded envelope for every stream message. Fields are
// populated per event type; unused ones stay zero.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   time.Time `json:"timestamp"`

	// Args carries the positional application arguments of StasisStart;
	// the engine embeds session correlation here.
	Args []string `json:"args,omitempty"`

	Channel   *Channel       `json:"channel,omitempty"`
	Playback  *Playback      `json:"playback,omitempty"`
	Bridge    *Bridge        `json:"bridge,omitempty"`
	Recording *LiveRecording `json:"recording,omitempty"`

	// Digit is set on ChannelDtmfReceived.
	Digit string `json:"digit,omitempty"`

	// Cause/CauseTxt are set on ChannelDestroyed.
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`
}

// LiveRecording describes a stored channel recording.
type LiveRecording struct {
	Name            string `json:"name"`
	Format          string `json:"format"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration,omitempty"`
	TargetURI       string `json:"target_uri,omitempty"`
}

// ChannelID returns the id of the channel this event concerns, or "".
func (e Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// DecodeEvent parses one stream message.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("ari: decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("ari: event without type")
	}
	return e, nil
}

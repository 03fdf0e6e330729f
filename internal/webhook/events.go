package webhook

import "time"

// Event names carried in the payload discriminator field.
const (
	EventCallAnswered  = "call.answered"
	EventCallCompleted = "call.completed"
	EventCallFailed    = "call.failed"
	EventCallDTMF      = "call.dtmf"
	EventCallVoicemail = "call.voicemail"
)

// Payload is the envelope delivered to the subscriber endpoint. Fields
// irrelevant to an event are omitted.
type Payload struct {
	Event      string    `json:"event"`
	CampaignID string    `json:"campaignId"`
	SessionID  string    `json:"sessionId"`
	LeadID     string    `json:"leadId,omitempty"`
	ChannelID  string    `json:"channelId,omitempty"`
	Number     string    `json:"number,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// call.dtmf: the digits of this event plus everything captured so
	// far on the session.
	Digits    string `json:"digits,omitempty"`
	AllDigits string `json:"allDigits,omitempty"`

	// call.voicemail
	VoicemailDetected   bool    `json:"voicemailDetected,omitempty"`
	VoicemailConfidence float64 `json:"voicemailConfidence,omitempty"`
	VoicemailReason     string  `json:"voicemailReason,omitempty"`

	// call.completed
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	CostMinor       int64  `json:"costMinor,omitempty"`
	Currency        string `json:"currency,omitempty"`
	RecordingURL    string `json:"recordingUrl,omitempty"`

	// call.failed
	Reason string `json:"reason,omitempty"`
}

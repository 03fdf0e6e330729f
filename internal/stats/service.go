package stats

import (
	"context"
	"errors"

	"dialcast/internal/campaign"
)

var ErrInvalidRequest = errors.New("stats: invalid request")

// CounterReader is the read side of a Recorder.
type CounterReader interface {
	Counters(ctx context.Context, campaignID string) (map[string]int64, error)
}

// Service assembles the campaign stats view from the durable store and
// the live counters.
type Service struct {
	store    campaign.Store
	counters CounterReader
}

func NewService(store campaign.Store, counters CounterReader) *Service {
	return &Service{store: store, counters: counters}
}

// Summary is one campaign's progress snapshot.
type Summary struct {
	CampaignID string                 `json:"campaign_id"`
	State      campaign.CampaignState `json:"state"`

	Leads struct {
		Total     int `json:"total"`
		Pending   int `json:"pending"`
		Queued    int `json:"queued"`
		Dialing   int `json:"dialing"`
		Connected int `json:"connected"`
		Failed    int `json:"failed"`
	} `json:"leads"`

	Sessions struct {
		Placing   int `json:"placing"`
		Ringing   int `json:"ringing"`
		Answered  int `json:"answered"`
		Completed int `json:"completed"`
		Hungup    int `json:"hungup"`
		Failed    int `json:"failed"`
		Cancelled int `json:"cancelled"`
	} `json:"sessions"`

	// Live counters; monotonic for the campaign's lifetime, may run
	// slightly ahead of the durable counts.
	Live map[string]int64 `json:"live"`
}

func (s *Service) Summary(ctx context.Context, campaignID string) (Summary, error) {
	if campaignID == "" {
		return Summary{}, ErrInvalidRequest
	}

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}

	leads, err := s.store.LeadStateCounts(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	sessions, err := s.store.SessionStateCounts(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{CampaignID: campaignID, State: c.State}
	out.Leads.Pending = leads[campaign.LeadPending]
	out.Leads.Queued = leads[campaign.LeadQueued]
	out.Leads.Dialing = leads[campaign.LeadDialing]
	out.Leads.Connected = leads[campaign.LeadConnected]
	out.Leads.Failed = leads[campaign.LeadFailed]
	for _, n := range leads {
		out.Leads.Total += n
	}

	out.Sessions.Placing = sessions[campaign.SessionPlacing]
	out.Sessions.Ringing = sessions[campaign.SessionRinging]
	out.Sessions.Answered = sessions[campaign.SessionAnswered]
	out.Sessions.Completed = sessions[campaign.SessionCompleted]
	out.Sessions.Hungup = sessions[campaign.SessionHungup]
	out.Sessions.Failed = sessions[campaign.SessionFailed]
	out.Sessions.Cancelled = sessions[campaign.SessionCancelled]

	if s.counters != nil {
		live, err := s.counters.Counters(ctx, campaignID)
		if err == nil {
			out.Live = live
		}
		// A counter read failure degrades the summary, it does not fail it.
	}
	return out, nil
}

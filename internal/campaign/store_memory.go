package campaign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
//
// NOTE: not intended for production; the Postgres store is the real
// implementation. Reservation atomicity degrades to mutex scope here,
// which is enough for single-process tests.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	leads     map[string]*Lead
	sessions  map[string]*CallSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*Campaign),
		leads:     make(map[string]*Lead),
		sessions:  make(map[string]*CallSession),
	}
}

// PutCampaign seeds a campaign (test helper).
func (m *MemoryStore) PutCampaign(c Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.campaigns[c.ID] = &cp
}

// PutLead seeds a lead (test helper).
func (m *MemoryStore) PutLead(l Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := l
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = 1
	}
	m.leads[l.ID] = &cp
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (m *MemoryStore) TransitionCampaign(ctx context.Context, id string, from []CampaignState, to CampaignState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	for _, st := range from {
		if c.State == st {
			c.State = to
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrBadTransition
}

func (m *MemoryStore) ReserveLeads(ctx context.Context, campaignID string, limit int, now time.Time) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Lead
	for _, l := range m.leads {
		if l.CampaignID != campaignID {
			continue
		}
		if l.State == LeadPending || l.State == LeadQueued {
			candidates = append(candidates, l)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var out []Lead
	for _, l := range candidates {
		if len(out) >= limit {
			break
		}
		l.State = LeadDialing
		l.Attempts++
		t := now.UTC()
		l.LastDialAt = &t
		l.UpdatedAt = t
		out = append(out, *l)
	}
	return out, nil
}

func (m *MemoryStore) UnreserveLead(ctx context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok || l.State != LeadDialing {
		return ErrNotFound
	}
	l.State = LeadQueued
	if l.Attempts > 0 {
		l.Attempts--
	}
	return nil
}

func (m *MemoryStore) GetLead(ctx context.Context, leadID string) (Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return *l, nil
}

func (m *MemoryStore) MarkLeadConnected(ctx context.Context, leadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok || l.State != LeadDialing {
		return ErrNotFound
	}
	l.State = LeadConnected
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkLeadFailed(ctx context.Context, leadID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok {
		return ErrNotFound
	}
	if l.State != LeadDialing && l.State != LeadConnected {
		return ErrNotFound
	}
	l.State = LeadFailed
	l.LastError = reason
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RequeueFailed(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leads {
		if l.CampaignID != campaignID || l.State != LeadFailed {
			continue
		}
		if l.Attempts >= l.MaxAttempts {
			continue
		}
		l.State = LeadQueued
		l.LastError = ""
		n++
	}
	return n, nil
}

func (m *MemoryStore) OpenLeadCount(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leads {
		if l.CampaignID != campaignID {
			continue
		}
		switch l.State {
		case LeadPending, LeadQueued, LeadDialing:
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LeadStateCounts(ctx context.Context, campaignID string) (map[LeadState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[LeadState]int)
	for _, l := range m.leads {
		if l.CampaignID == campaignID {
			out[l.State]++
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, cs CallSession) error {
	if cs.ID == "" || cs.CampaignID == "" || cs.LeadID == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cs
	m.sessions[cs.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return *s, nil
}

func (m *MemoryStore) SetSessionRinging(ctx context.Context, id, channelID string) error {
	return m.forward(id, SessionRinging, func(s *CallSession) {
		s.ChannelID = channelID
	})
}

func (m *MemoryStore) SetSessionAnswered(ctx context.Context, id string, at time.Time) error {
	return m.forward(id, SessionAnswered, func(s *CallSession) {
		t := at.UTC()
		s.AnsweredAt = &t
	})
}

func (m *MemoryStore) AppendSessionDigits(ctx context.Context, id, digits string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Digits += digits
	return nil
}

func (m *MemoryStore) SetSessionVoicemail(ctx context.Context, id string, detected bool, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.VoicemailDetected = detected
	s.VoicemailConfidence = confidence
	return nil
}

func (m *MemoryStore) FailSession(ctx context.Context, id, reason string) error {
	return m.forward(id, SessionFailed, func(s *CallSession) {
		s.Error = reason
		t := time.Now().UTC()
		s.EndedAt = &t
	})
}

func (m *MemoryStore) FinishSession(ctx context.Context, id string, out SessionOutcome) error {
	if !out.State.Terminal() {
		return ErrInvalidArgument
	}
	return m.forward(id, out.State, func(s *CallSession) {
		s.DurationSeconds = out.DurationSeconds
		s.CostMinor = out.CostMinor
		s.Currency = out.Currency
		s.RecordingURL = out.RecordingURL
		s.Error = out.Error
		t := out.EndedAt.UTC()
		s.EndedAt = &t
	})
}

func (m *MemoryStore) SessionStateCounts(ctx context.Context, campaignID string) (map[SessionState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[SessionState]int)
	for _, s := range m.sessions {
		if s.CampaignID == campaignID {
			out[s.State]++
		}
	}
	return out, nil
}

func (m *MemoryStore) forward(id string, to SessionState, apply func(*CallSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(s.State, to) {
		return ErrSessionBackwards
	}
	s.State = to
	apply(s)
	return nil
}

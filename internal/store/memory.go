package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/classroomlive/control-plane/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and for local development
// without Postgres. It implements the same interface as PostgresStore so
// component unit tests never need a real database.
type MemoryStore struct {
	mu           sync.RWMutex
	meetings     map[string]*domain.Meeting
	participants map[string]*domain.Participant // by id
	byMeetingUser map[string]string             // meetingID|userID -> participant id
	chat         map[string][]*domain.ChatMessage // meetingID -> messages
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings:      make(map[string]*domain.Meeting),
		participants:  make(map[string]*domain.Participant),
		byMeetingUser: make(map[string]string),
		chat:          make(map[string][]*domain.ChatMessage),
	}
}

func muKey(meetingID, userID string) string {
	return meetingID + "|" + userID
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func cloneMeeting(m *domain.Meeting) *domain.Meeting {
	cp := *m
	return &cp
}

func cloneParticipant(p *domain.Participant) *domain.Participant {
	cp := *p
	cp.Sessions = append([]domain.Session(nil), p.Sessions...)
	return &cp
}

func (s *MemoryStore) CreateMeeting(ctx context.Context, m *domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.meetings[m.ID]; exists {
		return domain.ErrConflict
	}
	s.meetings[m.ID] = cloneMeeting(m)
	return nil
}

func (s *MemoryStore) GetMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, domain.ErrMeetingNotFound
	}
	return cloneMeeting(m), nil
}

func (s *MemoryStore) GetMeetingByInviteCode(ctx context.Context, code string) (*domain.Meeting, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.meetings {
		if strings.ToLower(m.InviteCode) == code && m.Status != domain.MeetingEnded {
			return cloneMeeting(m), nil
		}
	}
	return nil, domain.ErrMeetingNotFound
}

func (s *MemoryStore) InviteCodeInUse(ctx context.Context, code string) (bool, error) {
	code = strings.ToLower(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.meetings {
		if strings.ToLower(m.InviteCode) == code && m.Status != domain.MeetingEnded {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListActiveMeetings(ctx context.Context) ([]*domain.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Meeting
	for _, m := range s.meetings {
		if m.Status != domain.MeetingEnded {
			out = append(out, cloneMeeting(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateMeeting(ctx context.Context, m *domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; !ok {
		return domain.ErrMeetingNotFound
	}
	s.meetings[m.ID] = cloneMeeting(m)
	return nil
}

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UserID != "" {
		key := muKey(p.MeetingID, p.UserID)
		if existingID, ok := s.byMeetingUser[key]; ok && existingID != p.ID {
			return domain.ErrConflict
		}
		s.byMeetingUser[key] = p.ID
	}
	s.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (s *MemoryStore) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; !ok {
		return domain.ErrParticipantNotFound
	}
	s.participants[p.ID] = cloneParticipant(p)
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return cloneParticipant(p), nil
}

func (s *MemoryStore) GetParticipantByUser(ctx context.Context, meetingID, userID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMeetingUser[muKey(meetingID, userID)]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return cloneParticipant(s.participants[id]), nil
}

func (s *MemoryStore) ListParticipantsByMeeting(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.ParticipantStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.Participant
	for _, p := range s.participants {
		if p.MeetingID != meetingID {
			continue
		}
		if len(statuses) > 0 && !want[p.Status] {
			continue
		}
		out = append(out, cloneParticipant(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountParticipantsByStatus(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) (int, error) {
	list, err := s.ListParticipantsByMeeting(ctx, meetingID, statuses)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *MemoryStore) InsertChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.chat[msg.MeetingID] = append(s.chat[msg.MeetingID], &cp)
	return nil
}

func (s *MemoryStore) DeleteChatMessage(ctx context.Context, meetingID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.chat[meetingID] {
		if m.ID == messageID {
			now := *m
			deletedAt := now.CreatedAt
			m.DeletedAt = &deletedAt
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListChatMessages(ctx context.Context, meetingID string, before *string, limit int) ([]*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.chat[meetingID]
	out := make([]*domain.ChatMessage, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.DeletedAt != nil {
			continue
		}
		if before != nil && m.ID >= *before {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchChatMessages(ctx context.Context, meetingID, query string, limit int) ([]*domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	all := s.chat[meetingID]
	out := make([]*domain.ChatMessage, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.DeletedAt != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), query) {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

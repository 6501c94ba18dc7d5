// Package store is the DocumentStore collaborator (spec §6): CRUD over
// Meeting, Participant and ChatMessage, backed by Postgres via pgx. Meeting
// and participant rows are reached only through the Meeting Registry and
// Participant Store (spec §5, "Shared-resource policy"); the gateway and
// httpapi call the chat-message methods directly.
package store

import (
	"context"

	"github.com/classroomlive/control-plane/internal/domain"
)

// Store is the DocumentStore collaborator. Implementations must support the
// secondary-index query shapes spec §6 requires: by meeting filtered by
// status, by (meeting, user), count by status set, and chat pagination with
// text search.
type Store interface {
	CreateMeeting(ctx context.Context, m *domain.Meeting) error
	GetMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error)
	GetMeetingByInviteCode(ctx context.Context, code string) (*domain.Meeting, error)
	UpdateMeeting(ctx context.Context, m *domain.Meeting) error
	InviteCodeInUse(ctx context.Context, code string) (bool, error)
	ListActiveMeetings(ctx context.Context) ([]*domain.Meeting, error)

	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error)
	GetParticipantByUser(ctx context.Context, meetingID, userID string) (*domain.Participant, error)
	ListParticipantsByMeeting(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) ([]*domain.Participant, error)
	CountParticipantsByStatus(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) (int, error)
	UpdateParticipant(ctx context.Context, p *domain.Participant) error

	InsertChatMessage(ctx context.Context, msg *domain.ChatMessage) error
	DeleteChatMessage(ctx context.Context, meetingID, messageID string) error
	ListChatMessages(ctx context.Context, meetingID string, before *string, limit int) ([]*domain.ChatMessage, error)
	SearchChatMessages(ctx context.Context, meetingID, query string, limit int) ([]*domain.ChatMessage, error)

	Health(ctx context.Context) error
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classroomlive/control-plane/internal/domain"
)

// PostgresStore is the Postgres-backed DocumentStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens and verifies a connection pool to databaseURL. Pool
// sizing mirrors a conservative single-service deployment: enough headroom
// for bursty admission traffic without starving Postgres of connections.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Health checks if the database is reachable.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateMeeting(ctx context.Context, m *domain.Meeting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meetings (id, title, invite_code, privacy, lock_flag, status, host_id, current_host_id,
			scheduled_for, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, m.ID, m.Title, m.InviteCode, m.Privacy, m.LockFlag, m.Status, m.HostID, m.CurrentHostID,
		m.ScheduledFor, m.StartedAt, m.EndedAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert meeting: %w", err)
	}
	return nil
}

func scanMeeting(row pgx.Row) (*domain.Meeting, error) {
	m := &domain.Meeting{}
	err := row.Scan(&m.ID, &m.Title, &m.InviteCode, &m.Privacy, &m.LockFlag, &m.Status,
		&m.HostID, &m.CurrentHostID, &m.ScheduledFor, &m.StartedAt, &m.EndedAt,
		&m.ParticipantCount, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan meeting: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, invite_code, privacy, lock_flag, status, host_id, current_host_id,
			scheduled_for, started_at, ended_at, participant_count, created_at, updated_at
		FROM meetings WHERE id = $1
	`, meetingID)
	return scanMeeting(row)
}

func (s *PostgresStore) GetMeetingByInviteCode(ctx context.Context, code string) (*domain.Meeting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, invite_code, privacy, lock_flag, status, host_id, current_host_id,
			scheduled_for, started_at, ended_at, participant_count, created_at, updated_at
		FROM meetings WHERE lower(invite_code) = lower(trim($1)) AND status <> 'ended'
	`, code)
	return scanMeeting(row)
}

func (s *PostgresStore) InviteCodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM meetings WHERE lower(invite_code) = lower($1) AND status <> 'ended')
	`, code).Scan(&exists)
	return exists, err
}

// ListActiveMeetings returns every meeting not yet ended, for the periodic
// presence sweeper (internal/presence.Engine.Sweep is meeting-scoped and
// has no way to discover meetings on its own).
func (s *PostgresStore) ListActiveMeetings(ctx context.Context) ([]*domain.Meeting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, invite_code, privacy, lock_flag, status, host_id, current_host_id,
			scheduled_for, started_at, ended_at, participant_count, created_at, updated_at
		FROM meetings WHERE status <> 'ended' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active meetings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMeeting(ctx context.Context, m *domain.Meeting) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings SET title = $2, invite_code = $3, privacy = $4, lock_flag = $5, status = $6,
			current_host_id = $7, scheduled_for = $8, started_at = $9, ended_at = $10,
			participant_count = $11, updated_at = $12
		WHERE id = $1
	`, m.ID, m.Title, m.InviteCode, m.Privacy, m.LockFlag, m.Status, m.CurrentHostID,
		m.ScheduledFor, m.StartedAt, m.EndedAt, m.ParticipantCount, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMeetingNotFound
	}
	return nil
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	p := &domain.Participant{}
	var sessionsJSON []byte
	err := row.Scan(&p.ID, &p.MeetingID, &p.UserID, &p.DisplayName, &p.Role, &p.Status,
		&p.MicIntent, &p.CameraIntent, &p.ScreenIntent, &p.HasHandRaised, &p.HandRaisedAt,
		&p.HandLoweredAt, &p.SocketID, &p.LastSeenAt, &sessionsJSON, &p.TotalDurationSec,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	if len(sessionsJSON) > 0 {
		if err := json.Unmarshal(sessionsJSON, &p.Sessions); err != nil {
			return nil, fmt.Errorf("unmarshal sessions: %w", err)
		}
	}
	return p, nil
}

const participantColumns = `id, meeting_id, user_id, display_name, role, status, mic_intent, camera_intent,
	screen_intent, has_hand_raised, hand_raised_at, hand_lowered_at, socket_id, last_seen_at,
	sessions, total_duration_sec, created_at, updated_at`

// UpsertParticipant inserts or, for a pre-existing (meetingId, userId)
// record, replaces it in place — preserving id and session history per
// spec §4.2 ("preserves identity and session history").
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	sessionsJSON, err := json.Marshal(p.Sessions)
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO participants (id, meeting_id, user_id, display_name, role, status, mic_intent,
			camera_intent, screen_intent, has_hand_raised, hand_raised_at, hand_lowered_at, socket_id,
			last_seen_at, sessions, total_duration_sec, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (meeting_id, user_id) WHERE user_id <> '' DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			mic_intent = EXCLUDED.mic_intent,
			camera_intent = EXCLUDED.camera_intent,
			screen_intent = EXCLUDED.screen_intent,
			has_hand_raised = EXCLUDED.has_hand_raised,
			hand_raised_at = EXCLUDED.hand_raised_at,
			hand_lowered_at = EXCLUDED.hand_lowered_at,
			socket_id = EXCLUDED.socket_id,
			last_seen_at = EXCLUDED.last_seen_at,
			sessions = EXCLUDED.sessions,
			total_duration_sec = EXCLUDED.total_duration_sec,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.MeetingID, p.UserID, p.DisplayName, p.Role, p.Status, p.MicIntent, p.CameraIntent,
		p.ScreenIntent, p.HasHandRaised, p.HandRaisedAt, p.HandLoweredAt, p.SocketID, p.LastSeenAt,
		sessionsJSON, p.TotalDurationSec, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	return s.UpsertParticipant(ctx, p)
}

func (s *PostgresStore) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, participantID)
	return scanParticipant(row)
}

func (s *PostgresStore) GetParticipantByUser(ctx context.Context, meetingID, userID string) (*domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE meeting_id = $1 AND user_id = $2`,
		meetingID, userID)
	return scanParticipant(row)
}

func (s *PostgresStore) ListParticipantsByMeeting(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) ([]*domain.Participant, error) {
	var rows pgx.Rows
	var err error
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+participantColumns+` FROM participants WHERE meeting_id = $1 ORDER BY created_at`, meetingID)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+participantColumns+` FROM participants WHERE meeting_id = $1 AND status = ANY($2) ORDER BY created_at`,
			meetingID, statusesToStrings(statuses))
	}
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountParticipantsByStatus(ctx context.Context, meetingID string, statuses []domain.ParticipantStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM participants WHERE meeting_id = $1 AND status = ANY($2)
	`, meetingID, statusesToStrings(statuses)).Scan(&count)
	return count, err
}

func statusesToStrings(statuses []domain.ParticipantStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, meeting_id, user_id, display_name, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.MeetingID, msg.UserID, msg.DisplayName, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChatMessage(ctx context.Context, meetingID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_messages SET deleted_at = NOW() WHERE meeting_id = $1 AND id = $2
	`, meetingID, messageID)
	return err
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, meetingID string, before *string, limit int) ([]*domain.ChatMessage, error) {
	var rows pgx.Rows
	var err error
	if before == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, meeting_id, user_id, display_name, content, created_at, deleted_at
			FROM chat_messages WHERE meeting_id = $1 AND deleted_at IS NULL
			ORDER BY created_at DESC LIMIT $2
		`, meetingID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, meeting_id, user_id, display_name, content, created_at, deleted_at
			FROM chat_messages WHERE meeting_id = $1 AND deleted_at IS NULL AND id < $2
			ORDER BY created_at DESC LIMIT $3
		`, meetingID, *before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func (s *PostgresStore) SearchChatMessages(ctx context.Context, meetingID, query string, limit int) ([]*domain.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, meeting_id, user_id, display_name, content, created_at, deleted_at
		FROM chat_messages
		WHERE meeting_id = $1 AND deleted_at IS NULL AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC LIMIT $3
	`, meetingID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search chat messages: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func scanChatMessages(rows pgx.Rows) ([]*domain.ChatMessage, error) {
	var out []*domain.ChatMessage
	for rows.Next() {
		m := &domain.ChatMessage{}
		if err := rows.Scan(&m.ID, &m.MeetingID, &m.UserID, &m.DisplayName, &m.Content, &m.CreatedAt, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Package sfutoken implements the SFU Token Service (spec §4.6): it signs
// short-lived tokens that grant a participant's socket media-plane access
// on the external SFU. This is a distinct signing concern from the
// gateway's JWKS-verified realtime credential (internal/auth) — the two
// must never be interchangeable, so a separate HMAC seed signs these.
package sfutoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/classroomlive/control-plane/internal/domain"
)

// Grants describes what a minted token lets the holder do on the SFU.
type Grants struct {
	RoomName             string `json:"roomName"`
	Identity             string `json:"identity"`
	Name                 string `json:"name"`
	MeetingRole          string `json:"meetingRole"`
	CanPublish           bool   `json:"canPublish"`
	CanSubscribe         bool   `json:"canSubscribe"`
	CanPublishData       bool   `json:"canPublishData"`
	CanUpdateOwnMetadata bool   `json:"canUpdateOwnMetadata"`
	RoomAdmin            bool   `json:"roomAdmin"`
	RoomCreate           bool   `json:"roomCreate"`
}

type claims struct {
	Grants
	jwt.RegisteredClaims
}

// Service mints and, where needed, inspects SFU access tokens.
type Service struct {
	seed []byte
	ttl  time.Duration
}

// New builds a Service. seed is config.SFUTokenSeed; ttl is
// config.SFUTokenTTLSec (spec default 3600s).
func New(seed string, ttl time.Duration) *Service {
	return &Service{seed: []byte(seed), ttl: ttl}
}

// grantsForRole derives the grant set for a meeting role per spec §4.6:
// only hosts and co-hosts get room-admin/room-create; viewers can't publish.
func grantsForRole(meetingID, userID, displayName string, role domain.ParticipantRole) Grants {
	isElevated := role == domain.RoleHost || role == domain.RoleCoHost
	return Grants{
		RoomName:             meetingID,
		Identity:             userID,
		Name:                 displayName,
		MeetingRole:          string(role),
		CanPublish:           role != domain.RoleViewer,
		CanSubscribe:         true,
		CanPublishData:       true,
		CanUpdateOwnMetadata: true,
		RoomAdmin:            isElevated,
		RoomCreate:           isElevated,
	}
}

// Mint signs a token for the given participant role. If userID is empty
// (a guest), a synthetic identity is generated from the participant id so
// the SFU still has a stable room identity to key presence off of.
func (s *Service) Mint(meetingID, userID, displayName string, role domain.ParticipantRole, participantID string) (string, error) {
	identity := userID
	if identity == "" {
		identity = "guest-" + participantID
	}

	g := grantsForRole(meetingID, identity, displayName, role)
	now := time.Now()

	c := claims{
		Grants: g,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.seed)
	if err != nil {
		return "", fmt.Errorf("sign sfu token: %w", err)
	}
	return signed, nil
}

// Parse validates a previously minted token and returns its grants. It is
// primarily useful for tests and for an SFU-side verifier sharing the seed.
func (s *Service) Parse(tokenString string) (*Grants, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.seed, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("parse sfu token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("sfu token invalid")
	}
	return &c.Grants, nil
}

package redis

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	meetingCodeLength      = 6
	meetingTTL             = 24 * time.Hour
	defaultMaxParticipants = 8
	codeChars              = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrMeetingFull     = errors.New("meeting is full")
)

// MeetingStore keeps meeting metadata in Redis with a 24h TTL.
type MeetingStore struct {
	client *redis.Client
}

func NewMeetingStore(client *redis.Client) *MeetingStore {
	return &MeetingStore{client: client}
}

// Create stores a new meeting hosted by hostID.
func (s *MeetingStore) Create(ctx context.Context, hostID string, maxParticipants int) (*models.MeetingMetadata, error) {
	if maxParticipants == 0 {
		maxParticipants = defaultMaxParticipants
	}

	meeting := models.MeetingMetadata{
		ID:              uuid.New().String(),
		Code:            generateMeetingCode(),
		HostID:          hostID,
		CreatedAt:       time.Now(),
		MaxParticipants: maxParticipants,
	}

	data, err := json.Marshal(meeting)
	if err != nil {
		return nil, fmt.Errorf("marshal meeting: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, MeetingKey(meeting.ID), data, meetingTTL)
	pipe.Set(ctx, CodeKey(meeting.Code), meeting.ID, meetingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store meeting: %w", err)
	}

	return &meeting, nil
}

// Get resolves a meeting by id or by shareable code and fills in the
// current participant count from the presence hash.
func (s *MeetingStore) Get(ctx context.Context, identifier string) (*models.MeetingMetadata, error) {
	meetingID := identifier

	// Anything that is not a UUID is treated as a code
	if !govalidator.IsUUID(identifier) {
		if len(identifier) != meetingCodeLength {
			return nil, ErrMeetingNotFound
		}
		id, err := s.client.Get(ctx, CodeKey(identifier)).Result()
		if err != nil {
			return nil, ErrMeetingNotFound
		}
		meetingID = id
	}

	data, err := s.client.Get(ctx, MeetingKey(meetingID)).Result()
	if err != nil {
		return nil, ErrMeetingNotFound
	}

	var meeting models.MeetingMetadata
	if err := json.Unmarshal([]byte(data), &meeting); err != nil {
		return nil, fmt.Errorf("failed to parse meeting data: %w", err)
	}

	count, err := s.client.HLen(ctx, PresenceKey(meetingID)).Result()
	if err == nil {
		meeting.ParticipantCount = int(count)
	}

	return &meeting, nil
}

// Admit returns the meeting if it exists and participantID may join it.
// A participant already present (reconnecting) is always admitted.
func (s *MeetingStore) Admit(ctx context.Context, identifier, participantID string) (*models.MeetingMetadata, error) {
	meeting, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}

	present, _ := s.client.HExists(ctx, PresenceKey(meeting.ID), participantID).Result()
	if !present && meeting.ParticipantCount >= meeting.MaxParticipants {
		return nil, ErrMeetingFull
	}
	return meeting, nil
}

// Delete removes the meeting records and its presence hash.
func (s *MeetingStore) Delete(ctx context.Context, meeting *models.MeetingMetadata) error {
	return s.client.Del(ctx,
		MeetingKey(meeting.ID),
		CodeKey(meeting.Code),
		PresenceKey(meeting.ID),
	).Err()
}

// generateMeetingCode generates a random meeting code
func generateMeetingCode() string {
	code := make([]byte, meetingCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

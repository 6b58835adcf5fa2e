package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/meshcall/config"
	"github.com/redis/go-redis/v9"
)

// Connect creates a Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// MeetingKey holds the JSON metadata of a meeting.
func MeetingKey(meetingID string) string { return "meeting:" + meetingID }

// CodeKey maps a shareable code to its meeting id.
func CodeKey(code string) string { return "code:" + code }

// PresenceKey is the hash of presence records for a meeting, keyed by participant id.
func PresenceKey(meetingID string) string { return "meeting:" + meetingID + ":presence" }

// RosterChannel carries presence change notifications.
func RosterChannel(meetingID string) string { return "meeting:" + meetingID + ":roster" }

// SignalChannel carries signaling messages for every member of the meeting.
func SignalChannel(meetingID string) string { return "meeting:" + meetingID + ":signal" }

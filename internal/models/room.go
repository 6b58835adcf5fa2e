package models

import "time"

// MeetingMetadata stores information about a meeting
type MeetingMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`   // Short, shareable meeting code (e.g., "ABCD23")
	HostID           string    `json:"hostId"` // User ID from JWT who created the meeting
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateMeetingRequest is the request body for creating a meeting
type CreateMeetingRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateMeetingResponse is the response for creating a meeting
type CreateMeetingResponse struct {
	MeetingID string `json:"meetingId"`
	Code      string `json:"code"`
}

// JoinTokenResponse carries a meeting-scoped participant token
type JoinTokenResponse struct {
	Token     string `json:"token"`
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	IsHost    bool   `json:"isHost"`
}

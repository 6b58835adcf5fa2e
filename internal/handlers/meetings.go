package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	redisstore "github.com/mossy-p/meshcall/internal/redis"
)

const participantTokenTTL = 24 * time.Hour

// CreateMeeting creates a new meeting hosted by the caller
func (h *Handler) CreateMeeting(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateMeetingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	meeting, err := h.meetings.Create(c.Request.Context(), userID, req.MaxParticipants)
	if err != nil {
		h.log.Error(err, "Failed to create meeting", "host", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	h.log.Info("Meeting created", "meeting", meeting.ID, "code", meeting.Code, "host", userID)

	c.JSON(http.StatusCreated, models.CreateMeetingResponse{
		MeetingID: meeting.ID,
		Code:      meeting.Code,
	})
}

// GetMeeting returns meeting information by code or id
func (h *Handler) GetMeeting(c *gin.Context) {
	meeting, err := h.meetings.Get(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, meeting)
}

// DeleteMeeting ends a meeting for everyone in it and removes its records.
// Only the host may delete a meeting.
func (h *Handler) DeleteMeeting(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	ctx := c.Request.Context()

	meeting, err := h.meetings.Get(ctx, c.Param("meetingId"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	if meeting.HostID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the host can delete the meeting"})
		return
	}

	// Connected participants tear down their calls on force-end
	payload, err := json.Marshal(models.SignalMessage{
		Type:      models.SignalTypeForceEnd,
		From:      meeting.HostID,
		MeetingID: meeting.ID,
	})
	if err == nil {
		err = h.client.Publish(ctx, redisstore.SignalChannel(meeting.ID), payload).Err()
	}
	if err != nil {
		h.log.Error(err, "Failed to broadcast force end", "meeting", meeting.ID)
	}

	if err := h.meetings.Delete(ctx, meeting); err != nil {
		h.log.Error(err, "Failed to delete meeting", "meeting", meeting.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete meeting"})
		return
	}

	h.log.Info("Meeting deleted", "meeting", meeting.ID, "host", userID)

	c.JSON(http.StatusOK, gin.H{"message": "Meeting deleted"})
}

// IssueJoinToken admits the caller to a meeting and returns a participant
// token scoped to it.
func (h *Handler) IssueJoinToken(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	displayName := c.GetString(middleware.ContextDisplayName)

	meeting, err := h.meetings.Admit(c.Request.Context(), c.Param("meetingId"), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	isHost := meeting.HostID == userID
	token, err := middleware.IssueToken(h.jwtSecret, middleware.JWTClaims{
		UserID:      userID,
		DisplayName: displayName,
		MeetingID:   meeting.ID,
		IsHost:      isHost,
	}, participantTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.JoinTokenResponse{
		Token:     token,
		MeetingID: meeting.ID,
		UserID:    userID,
		IsHost:    isHost,
	})
}

func (h *Handler) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, redisstore.ErrMeetingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
	case errors.Is(err, redisstore.ErrMeetingFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Meeting is full"})
	default:
		h.log.Error(err, "Meeting store error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read meeting"})
	}
}

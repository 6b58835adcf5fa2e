package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/internal/middleware"
)

const (
	loginTokenTTL   = 24 * time.Hour
	usernamePattern = `^[A-Za-z0-9_.-]{1,64}$`
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Login handles user login and JWT generation
// For demo purposes, accepts any password
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// The username becomes the participant id on the relay
		if !govalidator.Matches(req.Username, usernamePattern) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Username must be 1-64 letters, digits, '.', '_' or '-'",
			})
			return
		}

		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			displayName = req.Username
		}
		if !govalidator.StringLength(displayName, "1", "64") {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Display name must be at most 64 characters",
			})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, middleware.JWTClaims{
			UserID:      req.Username,
			DisplayName: displayName,
		}, loginTokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:       tokenString,
			UserID:      req.Username,
			DisplayName: displayName,
		})
	}
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/coordinator"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

// GetRoom returns the live participants of a chat room.
func GetRoom(co *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, co.RoomInfo(c.Param("roomId")))
	}
}

// CallResponse is either a live session or the stored record of a call.
type CallResponse struct {
	Live    bool               `json:"live"`
	Session *call.Snapshot     `json:"session,omitempty"`
	Record  *models.CallRecord `json:"record,omitempty"`
}

// GetCall prefers the live session and falls back to the call store.
func GetCall(calls *call.Manager, records store.CallStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")
		if snap, ok := calls.Snapshot(callID); ok {
			c.JSON(http.StatusOK, CallResponse{Live: true, Session: &snap})
			return
		}

		rec, err := records.FetchCall(c.Request.Context(), callID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "handlers").Str("call", callID).Msg("failed to fetch call")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch call"})
			return
		}
		c.JSON(http.StatusOK, CallResponse{Record: rec})
	}
}

// NewICEServers converts configured STUN/TURN entries.
func NewICEServers(cfg []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg))
	for _, s := range cfg {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	return out
}

// ICEServers hands clients the STUN/TURN servers for their peer
// connections.
func ICEServers(servers []webrtc.ICEServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	}
}

type grantRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// GrantAccess allows a user into the room or call named by param.
func GrantAccess(admin store.AccessAdmin, kind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param(param)
		if err := admin.GrantAccess(c.Request.Context(), kind, id, req.UserID); err != nil {
			log.Error().Err(err).Str("module", "handlers").Str("kind", kind).Str("id", id).Msg("failed to grant access")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to grant access"})
			return
		}
		log.Info().Str("module", "handlers").Str("kind", kind).Str("id", id).Str("user", req.UserID).
			Str("by", c.GetString(middleware.ContextUserID)).Msg("access granted")
		c.Status(http.StatusNoContent)
	}
}

// RevokeAccess removes a user's grant. Connections already inside stay.
func RevokeAccess(admin store.AccessAdmin, kind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, userID := c.Param(param), c.Param("userId")
		if err := admin.RevokeAccess(c.Request.Context(), kind, id, userID); err != nil {
			log.Error().Err(err).Str("module", "handlers").Str("kind", kind).Str("id", id).Msg("failed to revoke access")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke access"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

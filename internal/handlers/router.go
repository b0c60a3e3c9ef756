package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/coordinator"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/store"
)

type RouterDeps struct {
	AllowedOrigins []string
	JWTSecret      string
	Production     bool

	Coordinator *coordinator.Coordinator
	Calls       *call.Manager
	Records     store.CallStore
	// Access is optional; grant endpoints are only mounted when set.
	Access     store.AccessAdmin
	Gateway    *Gateway
	ICEServers []webrtc.ICEServer
}

// NewRouter sets up the gin engine with all routes.
func NewRouter(d RouterDeps) *gin.Engine {
	if d.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Gateway.Count()})
	})

	auth := middleware.JWTAuth(d.JWTSecret)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(d.JWTSecret))

		apiGroup.GET("/rooms/:roomId", auth, GetRoom(d.Coordinator))
		apiGroup.GET("/calls/:callId", auth, GetCall(d.Calls, d.Records))
		apiGroup.GET("/ice-servers", auth, ICEServers(d.ICEServers))

		if d.Access != nil {
			doctor := middleware.RequireRole(string(models.RoleDoctor))
			apiGroup.POST("/rooms/:roomId/access", auth, doctor, GrantAccess(d.Access, store.KindRoom, "roomId"))
			apiGroup.DELETE("/rooms/:roomId/access/:userId", auth, doctor, RevokeAccess(d.Access, store.KindRoom, "roomId"))
			apiGroup.POST("/calls/:callId/access", auth, doctor, GrantAccess(d.Access, store.KindCall, "callId"))
			apiGroup.DELETE("/calls/:callId/access/:userId", auth, doctor, RevokeAccess(d.Access, store.KindCall, "callId"))
		}
	}

	// WebSocket endpoint; browsers pass the token as ?token=
	router.GET("/ws", auth, d.Gateway.HandleWebSocket)

	return router
}

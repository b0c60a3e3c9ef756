package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string      `json:"username" binding:"required"`
	Password string      `json:"password" binding:"required"`
	Name     string      `json:"name"`
	Role     models.Role `json:"role"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string      `json:"token"`
	UserID string      `json:"user_id"`
	Name   string      `json:"name"`
	Role   models.Role `json:"role"`
}

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if req.Role == "" {
			req.Role = models.RolePatient
		}
		if !req.Role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "role must be doctor or patient",
			})
			return
		}
		if req.Name == "" {
			req.Name = req.Username
		}

		// For demo: accept any username/password
		userID := req.Username

		now := time.Now()
		claims := middleware.JWTClaims{
			UserID: userID,
			Name:   req.Name,
			Role:   string(req.Role),
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenString, err := token.SignedString([]byte(jwtSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: userID,
			Name:   req.Name,
			Role:   req.Role,
		})
	}
}

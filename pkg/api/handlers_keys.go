package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jobpipe/pkg/auth"
)

// CreateKeyRequest is the payload for minting an API key.
type CreateKeyRequest struct {
	Name      string    `json:"name" binding:"required"`
	Role      auth.Role `json:"role" binding:"required"`
	ExpiresIn int64     `json:"expires_in_seconds"`
}

// CreateKeyResponse carries the plaintext key, shown only once.
type CreateKeyResponse struct {
	Key  string           `json:"key"`
	Info *auth.APIKeyInfo `json:"info"`
}

// listKeys handles GET /api/v1/keys
func (s *Server) listKeys(c *gin.Context) {
	keys, err := s.keys.ListKeys(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to list keys", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// createKey handles POST /api/v1/keys
func (s *Server) createKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	info := auth.APIKeyInfo{Name: req.Name, Role: req.Role}
	if req.ExpiresIn > 0 {
		info.ExpiresAt = time.Now().Unix() + req.ExpiresIn
	}
	key, stored, err := s.keys.CreateKey(c.Request.Context(), info)
	if err != nil {
		s.internalError(c, "failed to create key", err)
		return
	}
	c.JSON(http.StatusCreated, CreateKeyResponse{Key: key, Info: stored})
}

// revokeKey handles DELETE /api/v1/keys/:id
func (s *Server) revokeKey(c *gin.Context) {
	err := s.keys.RevokeKey(c.Request.Context(), c.Param("id"))
	if errors.Is(err, auth.ErrUnknownKey) {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	if err != nil {
		s.internalError(c, "failed to revoke key", err)
		return
	}
	c.Status(http.StatusNoContent)
}

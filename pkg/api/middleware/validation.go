package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxBodySize   int64 // Maximum request body size in bytes
	MaxNameLength int   // Maximum length of a key path parameter
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:   1 << 20, // 1MB
		MaxNameLength: 256,
	}
}

// keyPattern accepts job keys ("group.name") and bare names.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-.]+)?$`)

// Validator checks path parameters before they reach handlers.
type Validator struct {
	config ValidatorConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateJobKey checks a job key or job name.
func (v *Validator) ValidateJobKey(key string) error {
	if key == "" {
		return &ValidationError{Field: "key", Message: "key is required"}
	}
	if len(key) > v.config.MaxNameLength {
		return &ValidationError{Field: "key", Message: "key exceeds maximum length"}
	}
	if !keyPattern.MatchString(key) {
		return &ValidationError{Field: "key", Message: "key contains invalid characters"}
	}
	return nil
}

// ValidateInvocationID checks an invocation id.
func (v *Validator) ValidateInvocationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "id", Message: "invalid invocation id"}
	}
	return nil
}

// Param aborts with 400 when the named path parameter fails check.
func (v *Validator) Param(name string, check func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := check(c.Param(name)); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID, minting one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

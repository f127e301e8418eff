package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/scheduler"
)

// --- Invocation Handlers ---

// listActive handles GET /api/v1/invocations
func (s *Server) listActive(c *gin.Context) {
	if s.active == nil {
		c.JSON(http.StatusOK, gin.H{"invocations": []interrupt.Active{}, "count": 0})
		return
	}
	active := s.active.Active()
	c.JSON(http.StatusOK, gin.H{
		"invocations": active,
		"count":       len(active),
	})
}

// listRecent handles GET /api/v1/invocations/recent
func (s *Server) listRecent(c *gin.Context) {
	if s.executor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no local executor"})
		return
	}
	recent := s.executor.Recent(limitParam(c))
	c.JSON(http.StatusOK, gin.H{
		"invocations": recent,
		"count":       len(recent),
	})
}

// interruptInvocation handles POST /api/v1/invocations/:id/interrupt
func (s *Server) interruptInvocation(c *gin.Context) {
	if s.relay == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no local executor"})
		return
	}
	id := c.Param("id")
	delivered, err := s.relay.Interrupt(c.Request.Context(), id)
	if errors.Is(err, interrupt.ErrNotInterruptible) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, "failed to interrupt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invocation_id": id,
		"delivered":     delivered,
	})
}

// interruptJob handles POST /api/v1/jobs/:key/interrupt
func (s *Server) interruptJob(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.relay == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no local executor"})
		return
	}
	delivered, err := s.relay.InterruptJob(c.Request.Context(), def.Key())
	resp := gin.H{
		"job_key":   def.Key(),
		"delivered": delivered,
	}
	if err != nil {
		resp["error"] = err.Error()
		c.JSON(http.StatusConflict, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// --- Schedule Handlers ---

// listSchedules handles GET /api/v1/schedules
func (s *Server) listSchedules(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []scheduler.Entry{}, "count": 0})
		return
	}
	entries := s.scheduler.Entries()
	c.JSON(http.StatusOK, gin.H{
		"schedules": entries,
		"count":     len(entries),
	})
}

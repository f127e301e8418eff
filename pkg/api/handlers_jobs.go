package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/models"
	"jobpipe/pkg/pipeline"
	"jobpipe/pkg/storage"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// --- Request/Response DTOs ---

// JobResponse is the API representation of a registered job.
type JobResponse struct {
	Key           string              `json:"key"`
	Name          string              `json:"name"`
	Group         string              `json:"group"`
	Description   string              `json:"description,omitempty"`
	Type          string              `json:"type"`
	Interceptors  []string            `json:"interceptors"`
	Dependencies  models.Dependencies `json:"dependencies"`
	CaptureRules  []string            `json:"capture_rules,omitempty"`
	Interruptible bool                `json:"interruptible"`
	Timeout       string              `json:"timeout,omitempty"`
	Schedule      models.Schedule     `json:"schedule"`
}

// TriggerResponse reports an accepted or completed manual trigger.
type TriggerResponse struct {
	TriggerID string           `json:"trigger_id"`
	JobKey    string           `json:"job_key"`
	Mode      string           `json:"mode"`
	Result    *pipeline.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// --- Job Handlers ---

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	defs := s.catalog.List()
	response := make([]JobResponse, 0, len(defs))
	for _, d := range defs {
		response = append(response, s.jobToResponse(d))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
	})
}

// getJob handles GET /api/v1/jobs/:key
func (s *Server) getJob(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.jobToResponse(def))
}

// listJobResources handles GET /api/v1/jobs/:key/resources. With
// expand=samples, archived sample series are fetched back inline.
func (s *Server) listJobResources(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.resources == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no resource store configured"})
		return
	}

	infos, err := s.resources.ListResourceInfo(c.Request.Context(), def.Key(), limitParam(c))
	if err != nil {
		s.internalError(c, "failed to list resource history", err)
		return
	}

	if c.Query("expand") == "samples" && s.archive != nil {
		for i := range infos {
			if infos[i].SamplesURI == "" || len(infos[i].Samples) > 0 {
				continue
			}
			samples, err := s.archive.Retrieve(c.Request.Context(), infos[i].SamplesURI)
			if err != nil {
				s.log.Warn("Sample archive lookup failed",
					zap.String("uri", infos[i].SamplesURI), zap.Error(err))
				continue
			}
			infos[i].Samples = samples
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"job_key":   def.Key(),
		"resources": infos,
		"count":     len(infos),
	})
}

// getJobRun handles GET /api/v1/jobs/:key/run
func (s *Server) getJobRun(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.runs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no run store configured"})
		return
	}

	rec, err := s.runs.GetRun(c.Request.Context(), def.Key())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job has not completed yet"})
		return
	}
	if err != nil {
		s.internalError(c, "failed to load run record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// triggerJob handles POST /api/v1/jobs/:key/trigger. By default the trigger
// goes through the scheduler's dispatcher when one is present, else to the
// local executor. wait=true runs it on the local executor and returns the
// result.
func (s *Server) triggerJob(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	wait, _ := strconv.ParseBool(c.Query("wait"))

	switch {
	case wait && s.executor != nil:
		trigger := models.NewTrigger(def.Descriptor, time.Now(), true)
		res, err := s.executor.Execute(ctx, trigger)
		if err != nil {
			s.internalError(c, "failed to run job", err)
			return
		}
		resp := TriggerResponse{TriggerID: trigger.ID.String(), JobKey: def.Key(), Mode: "sync", Result: &res}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		c.JSON(http.StatusOK, resp)

	case s.scheduler != nil:
		trigger, err := s.scheduler.Fire(ctx, def.Descriptor)
		if err != nil {
			s.internalError(c, "failed to dispatch trigger", err)
			return
		}
		c.JSON(http.StatusAccepted, TriggerResponse{TriggerID: trigger.ID.String(), JobKey: def.Key(), Mode: "dispatched"})

	case s.executor != nil:
		trigger := models.NewTrigger(def.Descriptor, time.Now(), true)
		if err := s.executor.Dispatch(ctx, trigger); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor busy: " + err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, TriggerResponse{TriggerID: trigger.ID.String(), JobKey: def.Key(), Mode: "async"})

	default:
		c.JSON(http.StatusNotImplemented, gin.H{"error": "this process cannot run jobs"})
	}
}

// --- Helpers ---

// lookup resolves the :key parameter, writing the error response itself.
func (s *Server) lookup(c *gin.Context) (*pipeline.Definition, bool) {
	def, err := s.catalog.Lookup(c.Param("key"))
	switch {
	case err == nil:
		return def, true
	case errors.Is(err, pipeline.ErrAmbiguousJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	}
	return nil, false
}

func (s *Server) jobToResponse(d *pipeline.Definition) JobResponse {
	names, _ := s.catalog.InterceptorNames(d.Key())
	resp := JobResponse{
		Key:           d.Key(),
		Name:          d.Descriptor.Name,
		Group:         d.Descriptor.Group,
		Description:   d.Descriptor.Description,
		Type:          d.TypeName(),
		Interceptors:  names,
		Dependencies:  d.Dependencies,
		Interruptible: d.Interrupt != nil,
		Schedule:      d.Schedule,
	}
	for _, r := range d.Capture {
		resp.CaptureRules = append(resp.CaptureRules, r.Name)
	}
	if d.Timeout > 0 {
		resp.Timeout = d.Timeout.String()
	}
	return resp
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.log.Error(msg,
		zap.String(logger.FieldJobKey, c.Param("key")),
		zap.Error(err))
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg + ": " + err.Error()})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gobby/internal/pipeline"
	"gobby/internal/storage"
)

// handleRunPipeline starts a pipeline. A completed run answers 200 with its
// outputs; a run paused at an approval gate answers 202 with the resume
// token.
func (s *Server) handleRunPipeline(c *gin.Context) {
	var body struct {
		Name      string         `json:"name"`
		Pipeline  string         `json:"pipeline"`
		Inputs    map[string]any `json:"inputs"`
		ProjectID string         `json:"project_id"`
		SessionID string         `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	name := body.Name
	if name == "" {
		// Older clients posted the pipeline name under "pipeline".
		name = body.Pipeline
	}
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}

	execution, outputs, err := s.deps.Pipelines.Start(c.Request.Context(),
		name, body.Inputs, body.ProjectID, body.SessionID)
	if err != nil {
		var approval *pipeline.ApprovalRequired
		if errors.As(err, &approval) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.PipelineRuns.WithLabelValues(storage.ExecStatusWaitingApproval).Inc()
			}
			c.JSON(http.StatusAccepted, gin.H{
				"status":       storage.ExecStatusWaitingApproval,
				"execution_id": approval.ExecutionID,
				"step_id":      approval.StepID,
				"token":        approval.Token,
				"message":      approval.Message,
			})
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.PipelineRuns.WithLabelValues(storage.ExecStatusFailed).Inc()
		}
		s.respondError(c, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PipelineRuns.WithLabelValues(storage.ExecStatusCompleted).Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       storage.ExecStatusCompleted,
		"execution_id": execution.ID,
		"outputs":      outputs,
	})
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	execution, steps, err := s.deps.Pipelines.Status(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": execution, "steps": steps})
}

// handleApprovePipeline resumes a pipeline paused at an approval gate.
// Tokens are single-use; a spent or unknown token answers 404.
func (s *Server) handleApprovePipeline(c *gin.Context) {
	approvedBy := c.Query("approved_by")
	if approvedBy == "" {
		var body struct {
			ApprovedBy string `json:"approved_by"`
		}
		_ = c.ShouldBindJSON(&body)
		approvedBy = body.ApprovedBy
	}

	execution, err := s.deps.Pipelines.Approve(c.Request.Context(), c.Param("token"), approvedBy)
	if err != nil {
		var approval *pipeline.ApprovalRequired
		if errors.As(err, &approval) {
			// The resumed run hit the next approval gate.
			c.JSON(http.StatusAccepted, gin.H{
				"status":       storage.ExecStatusWaitingApproval,
				"execution_id": approval.ExecutionID,
				"step_id":      approval.StepID,
				"token":        approval.Token,
				"message":      approval.Message,
			})
			return
		}
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": execution.ID,
		"status":       execution.Status,
	})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	SessionKey string          `json:"session_key" binding:"required"`
	Input      string          `json:"input" binding:"required"`
	AgentID    string          `json:"agent_id" binding:"required"`
	GroupID    *string         `json:"group_id,omitempty"`
	LLMConfig  json.RawMessage `json:"llm_config,omitempty"`
}

// handleCreateRun enqueues a new run. The run id is server generated;
// the response returns the pending run for polling or streaming.
func (s *Server) handleCreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": models.CodeInvalidInput})
		return
	}

	run, err := s.store.CreateRun(c.Request.Context(), store.CreateRunParams{
		Scope:      requestScope(c),
		SessionKey: req.SessionKey,
		GroupID:    req.GroupID,
		Input:      req.Input,
		AgentID:    req.AgentID,
		LLMConfig:  req.LLMConfig,
	})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"), requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCancelRun cancels a run from any non-terminal state. Calling it
// on a terminal run is a no-op that returns the current state.
func (s *Server) handleCancelRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")

	run, err := s.store.Cancel(ctx, runID, requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	if run.Status == models.RunStatusCancelled {
		// Emit the terminal event once, even when cancel is retried.
		hasTerminal, terr := s.store.HasTerminalEvent(ctx, runID)
		if terr == nil && !hasTerminal {
			_, _ = s.recorder.Emit(ctx, run, models.EventRunCancelled, "",
				events.RunCancelledPayload{Reason: "cancelled by user"})
		}

		// Interrupt the loop if this pod is executing the run.
		s.pool.CancelRun(runID)

		// A suspended parent's children die with it.
		if err := s.coordinator.CancelChildren(ctx, run); err != nil {
			writeStoreError(c, err)
			return
		}
		// A cancelled child still settles its parent's fan-in.
		if run.ParentRunID != nil {
			if err := s.coordinator.NotifyTerminal(ctx, run); err != nil {
				writeStoreError(c, err)
				return
			}
		}
	}

	c.JSON(http.StatusOK, run)
}

// handleEventPage serves one cursor page of the run's event log.
// llm.token events are excluded unless include_tokens=true.
func (s *Server) handleEventPage(c *gin.Context) {
	afterID, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	params := store.ReadPageParams{
		RunID:   c.Param("id"),
		Scope:   requestScope(c),
		AfterID: afterID,
		Limit:   limit,
	}
	if c.Query("include_tokens") != "true" {
		params.ExcludeTypes = []models.EventType{models.EventLLMToken}
	}

	page, err := s.store.ReadEventPage(c.Request.Context(), params)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":      page.Events,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// InjectRequest is the body of POST /runs/:id/inject.
type InjectRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleInject appends operator text to a live run. The loop folds it
// into context at its next observe phase.
func (s *Server) handleInject(c *gin.Context) {
	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": models.CodeInvalidInput})
		return
	}

	ctx := c.Request.Context()
	run, err := s.store.GetRun(ctx, c.Param("id"), requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if run.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "run already ended"})
		return
	}

	e, err := s.recorder.Emit(ctx, run, models.EventUserInjected, "",
		events.UserInjectedPayload{Text: req.Text})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": e.ID})
}

func (s *Server) handleChildren(c *gin.Context) {
	children, err := s.store.ListChildren(c.Request.Context(), c.Param("id"), requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"children": children})
}

func (s *Server) handleSwarmStatus(c *gin.Context) {
	status, err := s.store.GetSwarmStatus(c.Request.Context(), c.Param("id"), requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSessionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	history, err := s.store.ListSessionHistory(c.Request.Context(),
		requestScope(c), c.Param("key"), limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/models"
)

// ApprovalRequest is the body of POST /runs/:id/approval.
type ApprovalRequest struct {
	ToolCallID string `json:"tool_call_id" binding:"required"`
	Decision   string `json:"decision" binding:"required"` // "approve" or "reject"
	Approver   string `json:"approver"`
	Reason     string `json:"reason"`

	// ModifiedArgs replaces the proposed arguments on approval.
	ModifiedArgs json.RawMessage `json:"modified_args,omitempty"`
}

// handleApproval resolves one pending approval. Retrying a resolved
// decision returns 409 with code ALREADY_RESOLVED.
func (s *Server) handleApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": models.CodeInvalidInput})
		return
	}
	if req.Decision != "approve" && req.Decision != "reject" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "decision must be approve or reject", "code": models.CodeInvalidInput,
		})
		return
	}

	err := s.gate.Resolve(c.Request.Context(), c.Param("id"), requestScope(c), approval.Decision{
		ToolCallID:   req.ToolCallID,
		Approve:      req.Decision == "approve",
		Approver:     req.Approver,
		Reason:       req.Reason,
		ModifiedArgs: req.ModifiedArgs,
	})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": req.ToolCallID, "decision": req.Decision})
}

// handlePendingApprovals lists the run's unresolved approval requests.
func (s *Server) handlePendingApprovals(c *gin.Context) {
	pending, err := s.gate.Pending(c.Request.Context(), c.Param("id"), requestScope(c))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

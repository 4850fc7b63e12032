package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
)

type adjustRequest struct {
	OperatorID   string `json:"operator_id" binding:"required"`
	TargetUserID string `json:"target_user_id" binding:"required"`
	Type         string `json:"type" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
}

func (s *Server) AdjustPoints(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	operatorID, err := parseID(req.OperatorID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	targetUserID, err := parseID(req.TargetUserID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	adjustmentType := pointsdomain.AdjustmentType(req.Type)
	if adjustmentType != pointsdomain.AdjustmentTypeGift && adjustmentType != pointsdomain.AdjustmentTypeDeduct {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.pointsSvc.Adjust(c.Request.Context(), operatorID, targetUserID, adjustmentType, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             entry.ID.String(),
		"target_user_id": entry.TargetUserID.String(),
		"type":           string(entry.AdjustmentType),
		"amount":         entry.Amount,
	})
}

func (s *Server) RevokeAdjustment(c *gin.Context) {
	logID, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req struct {
		OperatorID string `json:"operator_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	operatorID, err := parseID(req.OperatorID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entry, err := s.pointsSvc.Revoke(c.Request.Context(), operatorID, logID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      entry.ID.String(),
		"revoked": entry.Revoked,
	})
}

func (s *Server) SchedulerStatus(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"running": false, "embedded": false})
		return
	}
	c.JSON(http.StatusOK, s.scheduler.Status())
}

func (s *Server) StartScheduler(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	s.scheduler.Start()
	c.JSON(http.StatusOK, s.scheduler.Status())
}

func (s *Server) StopScheduler(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	s.scheduler.Stop()
	c.JSON(http.StatusOK, s.scheduler.Status())
}

// TriggerReconcile runs one reconciliation pass on demand and returns its
// summary, error details included.
func (s *Server) TriggerReconcile(c *gin.Context) {
	run, err := s.reconciler.RunOnce(c.Request.Context(), 1)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            run.ID.String(),
		"started_at":    run.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		"finished_at":   run.FinishedAt.Format("2006-01-02T15:04:05Z07:00"),
		"total_checked": run.TotalChecked,
		"settled":       run.Settled,
		"refunded":      run.Refunded,
		"cancelled":     run.Cancelled,
		"skipped":       run.Skipped,
		"errors":        run.Errors,
		"error_details": run.ErrorDetails,
	})
}

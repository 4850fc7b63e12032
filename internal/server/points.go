package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type transactionResponse struct {
	ID             string `json:"id"`
	Delta          int64  `json:"delta"`
	BalanceAfter   int64  `json:"balance_after"`
	Reason         string `json:"reason"`
	RelatedOrderID string `json:"related_order_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func (s *Server) GetPointsBalance(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	balance, err := s.pointsSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      balance.UserID.String(),
		"balance":      balance.Balance,
		"total_earned": balance.TotalEarned,
	})
}

func (s *Server) ListPointsTransactions(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	cursor, limit := paginationParams(c)

	records, hasMore, err := s.pointsSvc.ListTransactions(c.Request.Context(), userID, cursor, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]transactionResponse, 0, len(records))
	for _, record := range records {
		item := transactionResponse{
			ID:           record.ID.String(),
			Delta:        record.Delta,
			BalanceAfter: record.BalanceAfter,
			Reason:       string(record.Reason),
			CreatedAt:    record.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if record.RelatedOrderID != nil {
			item.RelatedOrderID = record.RelatedOrderID.String()
		}
		items = append(items, item)
	}

	var nextCursor string
	if hasMore && len(records) > 0 {
		nextCursor = records[len(records)-1].ID.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": items,
		"has_more":     hasMore,
		"next_cursor":  nextCursor,
	})
}

func (s *Server) GetVipMembership(c *gin.Context) {
	userID, err := parseID(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	active, membership, err := s.vipSvc.IsActive(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"user_id": userID.String(), "active": active}
	if membership != nil {
		resp["expires_at"] = membership.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
	}
	c.JSON(http.StatusOK, resp)
}

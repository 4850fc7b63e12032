package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	orderdomain "github.com/openmall/pointspay/internal/order/domain"
)

type orderResponse struct {
	ID                    string  `json:"id"`
	OrderNo               string  `json:"order_no"`
	UserID                string  `json:"user_id"`
	Kind                  string  `json:"kind"`
	Amount                int64   `json:"amount"`
	PointsAmount          int64   `json:"points_amount,omitempty"`
	VipDays               int     `json:"vip_days,omitempty"`
	Provider              string  `json:"provider"`
	PaymentStatus         string  `json:"payment_status"`
	ProviderTransactionID *string `json:"provider_transaction_id,omitempty"`
	CancelReason          string  `json:"cancel_reason,omitempty"`
	CreatedAt             string  `json:"created_at"`
}

func toOrderResponse(order *orderdomain.Order) orderResponse {
	return orderResponse{
		ID:                    order.ID.String(),
		OrderNo:               order.OrderNo,
		UserID:                order.UserID.String(),
		Kind:                  string(order.Kind),
		Amount:                order.Amount,
		PointsAmount:          order.PointsAmount,
		VipDays:               order.VipDays,
		Provider:              order.Provider,
		PaymentStatus:         order.PaymentStatus.String(),
		ProviderTransactionID: order.ProviderTransactionID,
		CancelReason:          order.CancelReason,
		CreatedAt:             order.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req orderdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	order, err := s.orderSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

func (s *Server) GetOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	order, err := s.orderSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (s *Server) ListOrders(c *gin.Context) {
	userID, err := parseID(c.Query("user_id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	cursor, limit := paginationParams(c)

	orders, hasMore, err := s.orderSvc.List(c.Request.Context(), userID, cursor, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]orderResponse, 0, len(orders))
	var nextCursor string
	for i := range orders {
		items = append(items, toOrderResponse(&orders[i]))
	}
	if hasMore && len(orders) > 0 {
		nextCursor = orders[len(orders)-1].ID.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":      items,
		"has_more":    hasMore,
		"next_cursor": nextCursor,
	})
}

func (s *Server) CancelOrder(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_requested"
	}

	if err := s.orderSvc.Cancel(c.Request.Context(), id, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) BeginRefund(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.orderSvc.BeginRefund(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunding"})
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(raw)
}

func paginationParams(c *gin.Context) (int64, int) {
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return cursor, limit
}

package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/openmall/pointspay/internal/payment/domain"
)

// HandlePaymentWebhook accepts a raw provider notification. Duplicates and
// ignorable events still get the provider's success acknowledgement, so the
// provider stops redelivering them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	_, err = s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventAlreadyProcessed) ||
			errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.ackWebhook(c, provider)
			return
		}
		AbortWithError(c, err)
		return
	}

	s.ackWebhook(c, provider)
}

func (s *Server) ackWebhook(c *gin.Context, provider string) {
	adapter, err := s.webhookSvc.Hub().AdapterFor(provider)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	contentType, body := adapter.Ack()
	c.Data(http.StatusOK, contentType, body)
}

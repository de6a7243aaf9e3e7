package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// WebhookSecretHeader carries the shared secret of inbound provider webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

// InboundMessage is a patient reply relayed by a messaging provider.
type InboundMessage struct {
	PatientID string         `json:"patientId"`
	Channel   models.Channel `json:"channel"`
	Text      string         `json:"text"`
}

// InboundResponse reports how many waiting instances the reply resumed.
type InboundResponse struct {
	Resumed int `json:"resumed"`
}

// InboundWebhook correlates a patient reply with the patient's waiting instances.
// (POST /webhooks/inbound)
func (s *Server) InboundWebhook(c echo.Context) error {
	if s.secret != "" {
		got := c.Request().Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			return writeProblem(c, http.StatusUnauthorized, "Unauthorized", "invalid webhook secret")
		}
	}

	var msg InboundMessage
	if err := c.Bind(&msg); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Bad Request", "invalid request body")
	}
	if strings.TrimSpace(msg.PatientID) == "" {
		return writeProblem(c, http.StatusBadRequest, "Bad Request", "patientId is required")
	}
	if msg.Channel == "" {
		msg.Channel = models.ChannelSMS
	}

	resumed, err := s.engine.TriggerInputEvent(c.Request().Context(), msg.PatientID, msg.Channel, msg.Text)
	if err != nil {
		s.logger.Error("Failed to correlate inbound message", "patient_id", msg.PatientID, "error", err)
		return writeProblem(c, http.StatusInternalServerError, "Internal Server Error", "failed to correlate message")
	}
	return c.JSON(http.StatusOK, InboundResponse{Resumed: resumed})
}

package api

import (
	"net/http"
	"net/url"
	"strings"

	"careflow/backend/internal/engine"
	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// transparentGIF is a 1x1 transparent GIF.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingParams are the query parameters of the tracking endpoints.
type TrackingParams struct {
	InstanceID string
	StepID     string
	TemplateID string
	Action     string
	URL        string
}

func bindTrackingParams(c echo.Context, p *TrackingParams, urlRequired bool) error {
	q := c.QueryParams()
	if err := runtime.BindQueryParameter("form", true, true, "instanceId", q, &p.InstanceID); err != nil {
		return err
	}
	if err := runtime.BindQueryParameter("form", true, false, "stepId", q, &p.StepID); err != nil {
		return err
	}
	if err := runtime.BindQueryParameter("form", true, false, "templateId", q, &p.TemplateID); err != nil {
		return err
	}
	if err := runtime.BindQueryParameter("form", true, false, "action", q, &p.Action); err != nil {
		return err
	}
	return runtime.BindQueryParameter("form", true, urlRequired, "url", q, &p.URL)
}

// TrackOpen records an email open. The pixel is always served, whatever the
// outcome, so mail clients never show a broken image.
// (GET /track/open)
func (s *Server) TrackOpen(c echo.Context) error {
	var p TrackingParams
	if err := bindTrackingParams(c, &p, false); err != nil {
		s.logger.Debug("Ignoring malformed open tracking request", "error", err)
	} else {
		s.record(c, engine.TrackingSignal{
			EventType:  models.EventEmailOpened,
			InstanceID: p.InstanceID,
			StepID:     p.StepID,
			TemplateID: p.TemplateID,
		})
	}

	c.Response().Header().Set("Cache-Control", "no-store, max-age=0")
	return c.Blob(http.StatusOK, "image/gif", transparentGIF)
}

// TrackClick records a link click and redirects to the destination when its
// host is allowed.
// (GET /track/click)
func (s *Server) TrackClick(c echo.Context) error {
	var p TrackingParams
	if err := bindTrackingParams(c, &p, true); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Bad Request", err.Error())
	}

	s.record(c, engine.TrackingSignal{
		EventType:  models.EventLinkClicked,
		InstanceID: p.InstanceID,
		StepID:     p.StepID,
		Action:     p.Action,
	})

	if !s.redirectAllowed(p.URL) {
		s.logger.Warn("Refusing click redirect to unlisted host", "instance_id", p.InstanceID, "url", p.URL)
		return writeProblem(c, http.StatusBadRequest, "Bad Request", "redirect destination not allowed")
	}
	return c.Redirect(http.StatusFound, p.URL)
}

func (s *Server) record(c echo.Context, sig engine.TrackingSignal) {
	started, err := s.engine.HandleTrackingEvent(c.Request().Context(), sig)
	if err != nil {
		s.logger.Warn("Failed to record tracking event", "event_type", sig.EventType, "instance_id", sig.InstanceID, "error", err)
		return
	}
	s.logger.Debug("Tracking event recorded", "event_type", sig.EventType, "instance_id", sig.InstanceID, "started", len(started))
}

// redirectAllowed accepts absolute http(s) URLs whose host is listed, or is a
// subdomain of a host listed with a leading dot.
func (s *Server) redirectAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := normalizeHost(u.Hostname())
	if s.allowedHosts[host] {
		return true
	}
	for allowed := range s.allowedHosts {
		if strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"careflow/backend/internal/render"
	"careflow/backend/internal/services"
	"careflow/backend/pkg/models"
)

// executeAction performs the node's side effect. Failures are logged and
// audited but never stop the instance from advancing.
func (e *Engine) executeAction(ctx context.Context, ex *execution, nodeID string, a *models.ActionNode) {
	var err error
	switch {
	case a.Channel.IsMessaging():
		err = e.sendMessage(ctx, ex.inst, nodeID, a)
	case a.Channel == models.ChannelCancelAppointment:
		err = e.setAppointmentStatus(ctx, ex.inst, models.AppointmentCancelled)
	case a.Channel == models.ChannelAddToWaitlist:
		err = e.setAppointmentStatus(ctx, ex.inst, models.AppointmentWaitlisted)
	default:
		err = fmt.Errorf("unsupported action channel %q", a.Channel)
	}

	if err != nil {
		e.appendLog(ctx, ex.inst.ID, nodeID, models.LogActionFailed, "%s action failed: %v", a.Channel, err)
		e.logger.Warn("Action failed", "instance_id", ex.inst.ID, "node_id", nodeID, "channel", a.Channel, "error", err)
	}
}

// setAppointmentStatus mutates the related appointment and merges the new
// status into the instance context.
func (e *Engine) setAppointmentStatus(ctx context.Context, inst *models.Instance, status string) error {
	apptID := inst.Appointment()
	if apptID == "" {
		apptID, _ = inst.Context.String(models.KeyAppointmentID)
	}
	if apptID == "" {
		return errors.New("instance has no appointment")
	}
	if err := e.deps.Appointments.UpdateAppointmentStatus(ctx, apptID, status); err != nil {
		return fmt.Errorf("failed to update appointment %s: %w", apptID, err)
	}
	inst.Context = inst.Context.Merge(models.ContextData{models.KeyAppointmentStatus: status})
	return nil
}

// sendMessage renders and delivers one message. Exactly one communication
// record is written per call, whatever the outcome.
func (e *Engine) sendMessage(ctx context.Context, inst *models.Instance, nodeID string, a *models.ActionNode) error {
	comm := &models.Communication{
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		NodeID:     nodeID,
		PatientID:  inst.PatientID,
		Channel:    a.Channel,
		Direction:  models.DirectionOutbound,
		CreatedAt:  e.now().UTC(),
	}

	err := e.deliver(ctx, inst, nodeID, a, comm)
	comm.Status = models.DeliverySent
	if err != nil {
		comm.Status = models.DeliveryFailed
		comm.Error = err.Error()
	}
	e.metrics.MessageSent(string(a.Channel), comm.Status)

	if recErr := e.deps.Communications.RecordCommunication(ctx, comm); recErr != nil {
		e.logger.Error("Failed to record communication", "instance_id", inst.ID, "node_id", nodeID, "error", recErr)
	}
	return err
}

func (e *Engine) deliver(ctx context.Context, inst *models.Instance, nodeID string, a *models.ActionNode, comm *models.Communication) error {
	subject, htmlBody, textBody := a.Subject, a.Message, a.Message
	templateID := a.TemplateID
	if templateID != "" {
		tpl, err := e.deps.Templates.GetTemplate(ctx, templateID)
		if err != nil {
			return fmt.Errorf("failed to load template %s: %w", templateID, err)
		}
		subject = tpl.Subject
		htmlBody, textBody = tpl.BodyHTML, tpl.BodyText
		if htmlBody == "" {
			htmlBody = textBody
		}
		if textBody == "" {
			textBody = htmlBody
		}
	}

	data := map[string]any(inst.Context)
	renderedSubject, err := e.renderer.Render(subject, data, render.Text)
	if err != nil {
		return fmt.Errorf("failed to render subject: %w", err)
	}
	comm.Subject = renderedSubject

	mode, body := render.Text, textBody
	if a.Channel == models.ChannelEmail {
		mode, body = render.HTML, htmlBody
	}
	content, err := e.renderer.Render(body, data, mode)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}
	comm.Content = content

	to, ok := recipient(inst.Context, a.Channel)
	if !ok {
		return fmt.Errorf("%w %s", services.ErrNoRecipient, a.Channel)
	}
	comm.Recipient = to

	senderID := e.senderID(ctx, inst)

	switch a.Channel {
	case models.ChannelEmail:
		html := content + e.openPixel(inst.ID, nodeID, templateID)
		return e.deps.Mailer.Send(ctx, senderID, services.Email{To: to, Subject: renderedSubject, HTML: html})
	case models.ChannelSMS, models.ChannelWhatsApp:
		identity, err := e.deps.Identity.Resolve(ctx, senderID)
		if err != nil {
			return fmt.Errorf("failed to resolve sending identity: %w", err)
		}
		comm.Tier = identity.Tier
		sender := e.deps.SMS
		if a.Channel == models.ChannelWhatsApp {
			sender = e.deps.WhatsApp
		}
		return sender.Send(ctx, identity.From, to, content)
	}
	return fmt.Errorf("unsupported messaging channel %q", a.Channel)
}

// recipient picks the address for channel from the context.
func recipient(c models.ContextData, channel models.Channel) (string, bool) {
	switch channel {
	case models.ChannelEmail:
		return c.String(models.KeyEmail)
	case models.ChannelSMS:
		if to, ok := c.String(models.KeyPhone); ok {
			return to, true
		}
		return c.String(models.KeyPatientPhone)
	case models.ChannelWhatsApp:
		return c.String(models.KeyPhone)
	}
	return "", false
}

// senderID resolves the account messages are sent from: the context's
// doctor, then the appointment's doctor, then the configured default.
func (e *Engine) senderID(ctx context.Context, inst *models.Instance) string {
	if id, ok := inst.Context.String(models.KeyDoctorID); ok {
		return id
	}
	apptID := inst.Appointment()
	if apptID == "" {
		apptID, _ = inst.Context.String(models.KeyAppointmentID)
	}
	if apptID != "" {
		appt, err := e.deps.Appointments.GetAppointment(ctx, apptID)
		if err == nil && appt.DoctorID != nil && *appt.DoctorID != "" {
			return *appt.DoctorID
		}
		if err != nil {
			e.logger.Debug("Appointment lookup for sender failed", "appointment_id", apptID, "error", err)
		}
	}
	return e.defaultSenderID
}

// openPixel returns the tracking image appended to email bodies, or "" when
// tracking is not configured.
func (e *Engine) openPixel(instanceID, nodeID, templateID string) string {
	if e.trackingBaseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("instanceId", instanceID)
	q.Set("stepId", nodeID)
	if templateID != "" {
		q.Set("templateId", templateID)
	}
	src := strings.TrimRight(e.trackingBaseURL, "/") + "/track/open?" + q.Encode()
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, strings.ReplaceAll(src, "&", "&amp;"))
}

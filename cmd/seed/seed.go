package main

import (
	"context"
	"errors"
	"fmt"

	"careflow/backend/internal/logging"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of a seed file.
type seedFile struct {
	Tenants     []models.Tenant `yaml:"tenants"`
	Templates   []seedTemplate  `yaml:"templates"`
	Definitions []seedWorkflow  `yaml:"definitions"`
}

type seedTemplate struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	Subject  string `yaml:"subject"`
	BodyHTML string `yaml:"body_html"`
	BodyText string `yaml:"body_text"`
}

type seedWorkflow struct {
	ID             string                `yaml:"id"`
	TenantID       string                `yaml:"tenant_id"`
	Name           string                `yaml:"name"`
	EventType      models.EventType      `yaml:"event_type"`
	Segment        models.PatientSegment `yaml:"segment"`
	FormID         *string               `yaml:"form_id"`
	TrackingFilter *string               `yaml:"tracking_filter"`
	Inactive       bool                  `yaml:"inactive"`
	Nodes          []seedNode            `yaml:"nodes"`
	Edges          []models.Edge         `yaml:"edges"`
}

type seedNode struct {
	ID   string          `yaml:"id"`
	Kind models.NodeKind `yaml:"kind"`
	Data map[string]any  `yaml:"data"`
}

// parseSeed decodes and validates a seed file.
func parseSeed(raw []byte) (*seedFile, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i := range f.Tenants {
		if f.Tenants[i].ID == "" || f.Tenants[i].Domain == "" {
			return nil, fmt.Errorf("tenant %d: id and domain are required", i)
		}
	}
	for _, w := range f.Definitions {
		if w.ID == "" {
			return nil, fmt.Errorf("definition %q: id is required", w.Name)
		}
		def, err := w.definition()
		if err != nil {
			return nil, err
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("definition %s: %w", w.ID, err)
		}
	}
	return &f, nil
}

func (w seedWorkflow) definition() (*models.Definition, error) {
	def := &models.Definition{
		ID:             w.ID,
		TenantID:       w.TenantID,
		Name:           w.Name,
		EventType:      w.EventType,
		Segment:        w.Segment,
		FormID:         w.FormID,
		TrackingFilter: w.TrackingFilter,
		Edges:          w.Edges,
		Active:         !w.Inactive,
	}
	if def.Segment == "" {
		def.Segment = models.SegmentAll
	}
	for _, n := range w.Nodes {
		node, err := models.DecodeNode(n.ID, n.Kind, n.Data)
		if err != nil {
			return nil, fmt.Errorf("definition %s: %w", w.ID, err)
		}
		def.Nodes = append(def.Nodes, node)
	}
	return def, nil
}

// apply upserts tenants and templates and creates definitions that do not
// exist yet. Definitions are immutable once created, so existing ones are
// left alone.
func apply(ctx context.Context, store seedStore, f *seedFile, logger *logging.Logger) error {
	for i := range f.Tenants {
		t := f.Tenants[i]
		if err := store.UpsertTenant(ctx, &t); err != nil {
			return err
		}
		logger.Info("Seeded tenant", "id", t.ID, "domain", t.Domain)
	}

	for _, t := range f.Templates {
		tpl := &models.Template{ID: t.ID, TenantID: t.TenantID, Subject: t.Subject, BodyHTML: t.BodyHTML, BodyText: t.BodyText}
		if err := store.UpsertTemplate(ctx, tpl); err != nil {
			return err
		}
		logger.Info("Seeded template", "id", t.ID)
	}

	for _, w := range f.Definitions {
		_, err := store.GetDefinition(ctx, w.ID)
		if err == nil {
			logger.Info("Definition already exists, skipping", "id", w.ID, "name", w.Name)
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up definition %s: %w", w.ID, err)
		}

		def, err := w.definition()
		if err != nil {
			return err
		}
		if err := store.CreateDefinition(ctx, def); err != nil {
			return fmt.Errorf("failed to create definition %s: %w", w.ID, err)
		}
		logger.Info("Created definition", "id", def.ID, "name", def.Name, "event_type", def.EventType)
	}
	return nil
}

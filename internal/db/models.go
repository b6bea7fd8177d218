package db

import (
	"time"

	"github.com/google/uuid"
)

// Template types
const (
	TemplateTypeEmail = "email"
	TemplateTypePush  = "push"
)

// Template is the current revision of a notification template.
type Template struct {
	ID        uuid.UUID      `json:"id"`
	Code      string         `json:"template_code"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Variables []string       `json:"variables"`
	Language  string         `json:"language"`
	IsActive  bool           `json:"is_active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedBy *string        `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TemplateVersion is an immutable snapshot of a template's content.
type TemplateVersion struct {
	ID           uuid.UUID `json:"id"`
	TemplateID   uuid.UUID `json:"template_id"`
	Version      int       `json:"version"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	Variables    []string  `json:"variables"`
	ChangedBy    *string   `json:"changed_by,omitempty"`
	ChangeReason string    `json:"change_reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateTemplateInput carries the fields accepted when creating a template.
type CreateTemplateInput struct {
	Code      string
	Name      string
	Type      string
	Subject   string
	Body      string
	Variables []string
	Language  string
	Metadata  map[string]any
	CreatedBy *string
}

// UpdateTemplateInput is a partial update. Nil fields are left unchanged.
type UpdateTemplateInput struct {
	Code         *string
	Name         *string
	Subject      *string
	Body         *string
	Variables    []string
	Language     *string
	IsActive     *bool
	Metadata     map[string]any
	ChangedBy    *string
	ChangeReason string
}

// TemplateFilter narrows ListTemplates. Only active templates are listed.
type TemplateFilter struct {
	Search   string
	Type     string
	Language string
	Limit    int
	Offset   int
}

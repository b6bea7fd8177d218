package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/template"
)

// TemplateAdmin manages templates and their versions.
type TemplateAdmin interface {
	Create(ctx context.Context, in db.CreateTemplateInput) (*db.Template, error)
	Update(ctx context.Context, id uuid.UUID, in db.UpdateTemplateInput) (*db.Template, error)
	Revert(ctx context.Context, id uuid.UUID, version int) (*db.Template, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*db.Template, error)
	List(ctx context.Context, f db.TemplateFilter) ([]*db.Template, int, error)
	Versions(ctx context.Context, id uuid.UUID) ([]*db.TemplateVersion, error)
	Preview(ctx context.Context, code string, version int, vars map[string]any) (template.Rendered, error)
}

type CreateTemplateRequest struct {
	Code      string         `json:"template_code" validate:"required,max=100"`
	Name      string         `json:"name" validate:"required,max=255"`
	Type      string         `json:"type" validate:"required,oneof=email push"`
	Subject   string         `json:"subject" validate:"max=500"`
	Body      string         `json:"body" validate:"required"`
	Variables []string       `json:"variables"`
	Language  string         `json:"language" validate:"omitempty,bcp47_language_tag"`
	Metadata  map[string]any `json:"metadata"`
	CreatedBy *string        `json:"created_by"`
}

type UpdateTemplateRequest struct {
	Code         *string        `json:"template_code" validate:"omitempty,max=100"`
	Name         *string        `json:"name" validate:"omitempty,max=255"`
	Subject      *string        `json:"subject" validate:"omitempty,max=500"`
	Body         *string        `json:"body"`
	Variables    []string       `json:"variables"`
	Language     *string        `json:"language" validate:"omitempty,bcp47_language_tag"`
	IsActive     *bool          `json:"is_active"`
	Metadata     map[string]any `json:"metadata"`
	ChangedBy    *string        `json:"changed_by"`
	ChangeReason string         `json:"change_reason"`
}

type PreviewRequest struct {
	Code      string         `json:"template_code" validate:"required"`
	Version   int            `json:"version" validate:"gte=0"`
	Variables map[string]any `json:"variables"`
}

// TemplateListResponse is a page of templates.
type TemplateListResponse struct {
	Data   []*db.Template `json:"data"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.templates.Create(r.Context(), db.CreateTemplateInput{
		Code:      req.Code,
		Name:      req.Name,
		Type:      req.Type,
		Subject:   req.Subject,
		Body:      req.Body,
		Variables: req.Variables,
		Language:  req.Language,
		Metadata:  req.Metadata,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		h.templateError(w, err, "create")
		return
	}

	h.logger.Info("template created", zap.String("template_code", t.Code), zap.String("id", t.ID.String()))
	writeJSON(w, http.StatusCreated, t)
}

// ListTemplates handles GET /v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if raw := q.Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 || l > 100 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be between 1 and 100")
			return
		}
		limit = l
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		o, err := strconv.Atoi(raw)
		if err != nil || o < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offset", "offset must be a non-negative integer")
			return
		}
		offset = o
	}

	items, total, err := h.templates.List(r.Context(), db.TemplateFilter{
		Search:   q.Get("search"),
		Type:     q.Get("type"),
		Language: q.Get("language"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.templateError(w, err, "list")
		return
	}
	if items == nil {
		items = []*db.Template{}
	}

	writeJSON(w, http.StatusOK, TemplateListResponse{Data: items, Total: total, Limit: limit, Offset: offset})
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	t, err := h.templates.Get(r.Context(), id)
	if err != nil {
		h.templateError(w, err, "get")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTemplate handles PATCH /v1/templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	var req UpdateTemplateRequest
	if !h.decode(w, r, &req) {
		return
	}

	t, err := h.templates.Update(r.Context(), id, db.UpdateTemplateInput{
		Code:         req.Code,
		Name:         req.Name,
		Subject:      req.Subject,
		Body:         req.Body,
		Variables:    req.Variables,
		Language:     req.Language,
		IsActive:     req.IsActive,
		Metadata:     req.Metadata,
		ChangedBy:    req.ChangedBy,
		ChangeReason: req.ChangeReason,
	})
	if err != nil {
		h.templateError(w, err, "update")
		return
	}

	h.logger.Info("template updated", zap.String("template_code", t.Code), zap.String("id", id.String()))
	writeJSON(w, http.StatusOK, t)
}

// DeleteTemplate handles DELETE /v1/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	if err := h.templates.Delete(r.Context(), id); err != nil {
		h.templateError(w, err, "delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplateVersions handles GET /v1/templates/{id}/versions
func (h *Handler) ListTemplateVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	versions, err := h.templates.Versions(r.Context(), id)
	if err != nil {
		h.templateError(w, err, "list versions")
		return
	}
	if versions == nil {
		versions = []*db.TemplateVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": versions})
}

// RevertTemplate handles POST /v1/templates/{id}/revert/{version}
func (h *Handler) RevertTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}

	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid version", "version must be a positive integer")
		return
	}

	t, err := h.templates.Revert(r.Context(), id, version)
	if err != nil {
		h.templateError(w, err, "revert")
		return
	}

	h.logger.Info("template reverted",
		zap.String("template_code", t.Code),
		zap.Int("to_version", version),
	)
	writeJSON(w, http.StatusOK, t)
}

// PreviewTemplate handles POST /v1/templates/preview
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.templates.Preview(r.Context(), req.Code, req.Version, req.Variables)
	if err != nil {
		h.templateError(w, err, "preview")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template request", validationDetail(err))
		return false
	}
	return true
}

func (h *Handler) templateID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) templateError(w http.ResponseWriter, err error, op string) {
	switch {
	case template.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", err.Error())
	case errors.Is(err, db.ErrTemplateCodeExists):
		h.writeError(w, http.StatusConflict, "conflict", "Template code already exists", "")
	default:
		h.logger.Error("template operation failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "template_error", "Template operation failed", "")
	}
}

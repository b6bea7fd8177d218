package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/admission"
	"github.com/lalithlochan/postal/internal/redis"
)

// Admitter runs the admission pipeline for one request.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Result, error)
}

// StatusReader reads the last recorded admission status.
type StatusReader interface {
	GetStatus(ctx context.Context, notificationID string) (*redis.NotificationStatus, error)
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	ID          string         `json:"id" validate:"required,max=128"`
	UserID      string         `json:"userId" validate:"required,max=128"`
	Type        string         `json:"type" validate:"required,oneof=email push"`
	TemplateID  string         `json:"template_id" validate:"required,max=128"`
	Variables   map[string]any `json:"variables"`
	Priority    string         `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	ScheduledAt string         `json:"scheduledAt,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	RetryCount  int            `json:"retryCount,omitempty" validate:"gte=0"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	admission Admitter
	statuses  StatusReader
	templates TemplateAdmin // nil disables the template routes
	validate  *validator.Validate
}

// NewHandler creates a new API handler. templates may be nil.
func NewHandler(logger *zap.Logger, admitter Admitter, statuses StatusReader, templates TemplateAdmin) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		logger:    logger,
		admission: admitter,
		statuses:  statuses,
		templates: templates,
		validate:  v,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Get("/notifications/{id}/status", h.GetNotificationStatus)

	if h.templates == nil {
		return
	}
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Post("/", h.CreateTemplate)
		r.Post("/preview", h.PreviewTemplate)
		r.Get("/{id}", h.GetTemplate)
		r.Patch("/{id}", h.UpdateTemplate)
		r.Delete("/{id}", h.DeleteTemplate)
		r.Get("/{id}/versions", h.ListTemplateVersions)
		r.Post("/{id}/revert/{version}", h.RevertTemplate)
	})
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification request", validationDetail(err))
		return
	}

	res, err := h.admission.Admit(r.Context(), admission.Request{
		ID:          req.ID,
		UserID:      req.UserID,
		Channel:     req.Type,
		TemplateID:  req.TemplateID,
		Variables:   req.Variables,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		RetryCount:  req.RetryCount,
	})
	if err != nil {
		h.logger.Error("failed to admit notification",
			zap.Error(err),
			zap.String("notification_id", req.ID),
			zap.String("channel", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "admission_error", "Failed to admit notification", "")
		return
	}

	status := http.StatusAccepted
	switch res.Reason {
	case "":
	case admission.ReasonDuplicate:
		status = http.StatusConflict
	default:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// GetNotificationStatus handles GET /v1/notifications/{id}/status
func (h *Handler) GetNotificationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.statuses.GetStatus(r.Context(), id)
	if errors.Is(err, redis.ErrStatusNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification status", zap.Error(err), zap.String("notification_id", id))
		h.writeError(w, http.StatusInternalServerError, "status_error", "Failed to read notification status", "")
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Field() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

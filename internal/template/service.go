package template

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/circuitbreaker"
	"github.com/lalithlochan/postal/internal/db"
)

// Store is the persistence the service depends on. *db.Repository implements it.
type Store interface {
	GetTemplateByCode(ctx context.Context, code string) (*db.Template, error)
	GetTemplateByID(ctx context.Context, id uuid.UUID) (*db.Template, error)
	CreateTemplate(ctx context.Context, in db.CreateTemplateInput) (*db.Template, error)
	UpdateTemplate(ctx context.Context, id uuid.UUID, in db.UpdateTemplateInput) (*db.Template, error)
	RevertToVersion(ctx context.Context, id uuid.UUID, version int) (*db.Template, error)
	SoftDeleteTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	ListTemplates(ctx context.Context, f db.TemplateFilter) ([]*db.Template, int, error)
	ListVersions(ctx context.Context, templateID uuid.UUID) ([]*db.TemplateVersion, error)
	GetVersion(ctx context.Context, templateID uuid.UUID, version int) (*db.TemplateVersion, error)
}

// Service serves templates from the shared cache, falling back to the store
// through a circuit breaker. Mutations evict the shared entry so every
// process refetches the new content.
type Service struct {
	store   Store
	cache   *Cache
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewService creates a template service. The breaker must be dedicated to the
// template store.
func NewService(store Store, cache *Cache, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		breaker: breaker,
		logger:  logger,
	}
}

// Breaker exposes the store breaker for health reporting.
func (s *Service) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// GetTemplate returns the active template for code. A fresh cache hit skips
// the store. When the store call fails and the breaker is open, any cached
// copy is returned regardless of age.
func (s *Service) GetTemplate(ctx context.Context, code string) (*db.Template, error) {
	if t, ok := s.cache.Get(ctx, code); ok {
		s.logger.Debug("template cache hit", zap.String("template_code", code))
		return t, nil
	}

	t, err := circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*db.Template, error) {
		return s.store.GetTemplateByCode(ctx, code)
	})
	if err == nil {
		s.cache.Set(ctx, code, t)
		return t, nil
	}

	s.logger.Error("failed to fetch template",
		zap.String("template_code", code),
		zap.Error(err),
	)

	if s.breaker.IsOpen() {
		if stale, ok := s.cache.GetStale(ctx, code); ok {
			s.logger.Warn("using stale cached template, store breaker open",
				zap.String("template_code", code),
			)
			return stale, nil
		}
	}

	return nil, fmt.Errorf("get template %s: %w", code, err)
}

// Render substitutes vars into t and logs any placeholders left unresolved.
func (s *Service) Render(t *db.Template, vars map[string]any) Rendered {
	out := Render(t, vars)
	s.warnUnresolved(t.Code, out)
	return out
}

// Preview renders the current template, or a specific version when version > 0.
func (s *Service) Preview(ctx context.Context, code string, version int, vars map[string]any) (Rendered, error) {
	t, err := s.GetTemplate(ctx, code)
	if err != nil {
		return Rendered{}, err
	}
	if version <= 0 {
		return s.Render(t, vars), nil
	}

	v, err := circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*db.TemplateVersion, error) {
		return s.store.GetVersion(ctx, t.ID, version)
	})
	if err != nil {
		return Rendered{}, fmt.Errorf("get version %d of %s: %w", version, code, err)
	}

	out := RenderVersion(v, vars)
	s.warnUnresolved(code, out)
	return out, nil
}

// Create stores a new template with version 1.
func (s *Service) Create(ctx context.Context, in db.CreateTemplateInput) (*db.Template, error) {
	t, err := s.store.CreateTemplate(ctx, in)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, t.Code)
	return t, nil
}

// Update applies a partial update. Both the previous and the new code are
// evicted from the cache.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in db.UpdateTemplateInput) (*db.Template, error) {
	prev, err := s.store.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}

	t, err := s.store.UpdateTemplate(ctx, id, in)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, prev.Code, t.Code)
	return t, nil
}

// Revert restores version as a new version.
func (s *Service) Revert(ctx context.Context, id uuid.UUID, version int) (*db.Template, error) {
	t, err := s.store.RevertToVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, t.Code)
	return t, nil
}

// Delete deactivates a template.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.SoftDeleteTemplate(ctx, id)
	if err != nil {
		return err
	}
	s.invalidate(ctx, t.Code)
	return nil
}

// Get returns a template by id, bypassing the cache.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	return s.store.GetTemplateByID(ctx, id)
}

// List returns active templates matching f.
func (s *Service) List(ctx context.Context, f db.TemplateFilter) ([]*db.Template, int, error) {
	return s.store.ListTemplates(ctx, f)
}

// Versions returns the version history of a template, newest first.
func (s *Service) Versions(ctx context.Context, id uuid.UUID) ([]*db.TemplateVersion, error) {
	return s.store.ListVersions(ctx, id)
}

// IsNotFound reports whether err means the template or version does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrTemplateNotFound) || errors.Is(err, db.ErrVersionNotFound)
}

// invalidate evicts codes from the shared cache. The store change is already
// committed, so a failed eviction is logged rather than returned.
func (s *Service) invalidate(ctx context.Context, codes ...string) {
	if err := s.cache.Invalidate(ctx, codes...); err != nil {
		s.logger.Error("failed to invalidate cached template",
			zap.Strings("template_codes", codes),
			zap.Error(err),
		)
	}
}

func (s *Service) warnUnresolved(code string, out Rendered) {
	if len(out.Unresolved) == 0 {
		return
	}
	s.logger.Warn("template contains unreplaced variables",
		zap.String("template_code", code),
		zap.Strings("placeholders", out.Unresolved),
	)
}

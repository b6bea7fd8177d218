package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateCodeExists = errors.New("template code already exists")
	ErrVersionNotFound    = errors.New("template version not found")
)

const (
	initialVersionReason = "Initial creation"
	defaultUpdateReason  = "Template updated"
	revertedBy           = "system"
	defaultLanguage      = "en"
	defaultListLimit     = 10
	maxListLimit         = 100
	uniqueViolationCode  = "23505"
)

const templateColumns = `
	id, template_code, name, type, subject, body, variables,
	language, is_active, metadata, created_by, created_at, updated_at`

const versionColumns = `
	id, template_id, version, subject, body, variables,
	changed_by, change_reason, created_at`

// Repository handles persistence for templates and their version history.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new template repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateTemplate inserts a template together with version 1.
func (r *Repository) CreateTemplate(ctx context.Context, in CreateTemplateInput) (*Template, error) {
	in = normalizeCreateInput(in)

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if exists, err := codeExists(ctx, tx, in.Code, uuid.Nil); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrTemplateCodeExists
	}

	query := `
		INSERT INTO templates (
			id, template_code, name, type, subject, body,
			variables, language, is_active, metadata, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)
		RETURNING` + templateColumns

	tpl, err := scanTemplate(tx.QueryRow(ctx, query,
		uuid.New(),
		in.Code,
		in.Name,
		in.Type,
		in.Subject,
		in.Body,
		in.Variables,
		in.Language,
		in.Metadata,
		in.CreatedBy,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTemplateCodeExists
		}
		return nil, fmt.Errorf("insert template: %w", err)
	}

	if _, err := insertVersion(ctx, tx, tpl, 1, in.CreatedBy, initialVersionReason); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("template created",
		zap.String("template_id", tpl.ID.String()),
		zap.String("template_code", tpl.Code),
	)

	return tpl, nil
}

// UpdateTemplate applies a partial update and appends a new version.
func (r *Repository) UpdateTemplate(ctx context.Context, id uuid.UUID, in UpdateTemplateInput) (*Template, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := applyUpdate(*current, in)
	if next.Code != current.Code {
		if exists, err := codeExists(ctx, tx, next.Code, id); err != nil {
			return nil, err
		} else if exists {
			return nil, ErrTemplateCodeExists
		}
	}

	updated, err := writeTemplate(ctx, tx, &next)
	if err != nil {
		return nil, err
	}

	version, err := nextVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := insertVersion(ctx, tx, updated, version, in.ChangedBy, updateReason(in)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("template updated",
		zap.String("template_id", id.String()),
		zap.String("template_code", updated.Code),
		zap.Int("version", version),
	)

	return updated, nil
}

// RevertToVersion restores the content of a previous version as a new version.
// History is never rewritten.
func (r *Repository) RevertToVersion(ctx context.Context, id uuid.UUID, version int) (*Template, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := lockTemplate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	target, err := scanVersion(tx.QueryRow(ctx,
		`SELECT`+versionColumns+` FROM template_versions WHERE template_id = $1 AND version = $2`,
		id, version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template version: %w", err)
	}

	next := *current
	next.Subject = target.Subject
	next.Body = target.Body
	next.Variables = target.Variables

	updated, err := writeTemplate(ctx, tx, &next)
	if err != nil {
		return nil, err
	}

	newVersion, err := nextVersion(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	by := revertedBy
	if _, err := insertVersion(ctx, tx, updated, newVersion, &by, revertReason(version)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("template reverted",
		zap.String("template_id", id.String()),
		zap.Int("from_version", version),
		zap.Int("new_version", newVersion),
	)

	return updated, nil
}

// SoftDeleteTemplate deactivates a template. Its code stays reserved.
func (r *Repository) SoftDeleteTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `
		UPDATE templates SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING` + templateColumns

	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate template: %w", err)
	}

	r.logger.Info("template deactivated",
		zap.String("template_id", id.String()),
		zap.String("template_code", tpl.Code),
	)
	return tpl, nil
}

// GetTemplateByID returns a template regardless of its active flag.
func (r *Repository) GetTemplateByID(ctx context.Context, id uuid.UUID) (*Template, error) {
	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx,
		`SELECT`+templateColumns+` FROM templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return tpl, nil
}

// GetTemplateByCode returns the active template with the given code.
func (r *Repository) GetTemplateByCode(ctx context.Context, code string) (*Template, error) {
	tpl, err := scanTemplate(r.db.Pool().QueryRow(ctx,
		`SELECT`+templateColumns+` FROM templates WHERE template_code = $1 AND is_active = TRUE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template by code: %w", err)
	}
	return tpl, nil
}

// ListTemplates returns active templates, newest first, and the total match count.
func (r *Repository) ListTemplates(ctx context.Context, f TemplateFilter) ([]*Template, int, error) {
	where := []string{"is_active = TRUE"}
	args := []any{}

	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR template_code ILIKE $%d)", len(args), len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Language != "" {
		args = append(args, f.Language)
		where = append(where, fmt.Sprintf("language = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM templates WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count templates: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf("SELECT%s FROM templates WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		templateColumns, clause, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate templates: %w", err)
	}

	return templates, total, nil
}

// ListVersions returns a template's history, newest first.
func (r *Repository) ListVersions(ctx context.Context, templateID uuid.UUID) ([]*TemplateVersion, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT`+versionColumns+` FROM template_versions WHERE template_id = $1 ORDER BY version DESC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query template versions: %w", err)
	}
	defer rows.Close()

	var versions []*TemplateVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetVersion returns one version of a template.
func (r *Repository) GetVersion(ctx context.Context, templateID uuid.UUID, version int) (*TemplateVersion, error) {
	v, err := scanVersion(r.db.Pool().QueryRow(ctx,
		`SELECT`+versionColumns+` FROM template_versions WHERE template_id = $1 AND version = $2`,
		templateID, version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template version: %w", err)
	}
	return v, nil
}

func lockTemplate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Template, error) {
	tpl, err := scanTemplate(tx.QueryRow(ctx,
		`SELECT`+templateColumns+` FROM templates WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock template: %w", err)
	}
	return tpl, nil
}

func writeTemplate(ctx context.Context, tx pgx.Tx, t *Template) (*Template, error) {
	query := `
		UPDATE templates
		SET template_code = $2, name = $3, subject = $4, body = $5, variables = $6,
		    language = $7, is_active = $8, metadata = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING` + templateColumns

	updated, err := scanTemplate(tx.QueryRow(ctx, query,
		t.ID, t.Code, t.Name, t.Subject, t.Body, t.Variables, t.Language, t.IsActive, t.Metadata,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTemplateCodeExists
		}
		return nil, fmt.Errorf("update template: %w", err)
	}
	return updated, nil
}

func codeExists(ctx context.Context, tx pgx.Tx, code string, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM templates WHERE template_code = $1 AND id <> $2)`,
		code, exclude,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check template code: %w", err)
	}
	return exists, nil
}

func nextVersion(ctx context.Context, tx pgx.Tx, templateID uuid.UUID) (int, error) {
	var latest int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM template_versions WHERE template_id = $1`,
		templateID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return latest + 1, nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, t *Template, version int, changedBy *string, reason string) (*TemplateVersion, error) {
	query := `
		INSERT INTO template_versions (
			id, template_id, version, subject, body, variables, changed_by, change_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING` + versionColumns

	v, err := scanVersion(tx.QueryRow(ctx, query,
		uuid.New(), t.ID, version, t.Subject, t.Body, t.Variables, changedBy, reason,
	))
	if err != nil {
		return nil, fmt.Errorf("insert template version: %w", err)
	}
	return v, nil
}

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Name,
		&t.Type,
		&t.Subject,
		&t.Body,
		&t.Variables,
		&t.Language,
		&t.IsActive,
		&t.Metadata,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanVersion(row pgx.Row) (*TemplateVersion, error) {
	var v TemplateVersion
	err := row.Scan(
		&v.ID,
		&v.TemplateID,
		&v.Version,
		&v.Subject,
		&v.Body,
		&v.Variables,
		&v.ChangedBy,
		&v.ChangeReason,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func normalizeCreateInput(in CreateTemplateInput) CreateTemplateInput {
	if in.Language == "" {
		in.Language = defaultLanguage
	}
	if len(in.Variables) == 0 {
		in.Variables = ExtractVariables(in.Subject, in.Body)
	}
	return in
}

func applyUpdate(t Template, in UpdateTemplateInput) Template {
	contentChanged := false
	if in.Code != nil {
		t.Code = *in.Code
	}
	if in.Name != nil {
		t.Name = *in.Name
	}
	if in.Subject != nil {
		t.Subject = *in.Subject
		contentChanged = true
	}
	if in.Body != nil {
		t.Body = *in.Body
		contentChanged = true
	}
	if in.Language != nil {
		t.Language = *in.Language
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if in.Metadata != nil {
		t.Metadata = in.Metadata
	}

	switch {
	case contentChanged:
		t.Variables = ExtractVariables(t.Subject, t.Body)
	case in.Variables != nil:
		t.Variables = in.Variables
	}
	return t
}

func updateReason(in UpdateTemplateInput) string {
	if in.ChangeReason != "" {
		return in.ChangeReason
	}
	return defaultUpdateReason
}

func revertReason(version int) string {
	return fmt.Sprintf("Reverted to version %d", version)
}

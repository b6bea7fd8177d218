package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// connectTestDB connects to DATABASE_URL and applies the schema. The test is
// skipped when no database is configured or reachable.
func connectTestDB(t *testing.T) *Repository {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Skipf("database not available: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_templates.up.sql"))
	require.NoError(t, err)
	// the schema file holds several statements
	_, err = pool.Exec(ctx, string(schema), pgx.QueryExecModeSimpleProtocol)
	require.NoError(t, err)

	return NewRepository(&DB{pool: pool, logger: zap.NewNop()}, zap.NewNop())
}

func createTestTemplate(t *testing.T, repo *Repository, subject, body string) *Template {
	t.Helper()
	ctx := context.Background()

	tpl, err := repo.CreateTemplate(ctx, CreateTemplateInput{
		Code:    "test-" + uuid.NewString(),
		Name:    "Repository test",
		Type:    TemplateTypeEmail,
		Subject: subject,
		Body:    body,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = repo.db.Pool().Exec(context.Background(), `DELETE FROM templates WHERE id = $1`, tpl.ID)
	})
	return tpl
}

func TestRepository_VersionAppendAndRevert(t *testing.T) {
	repo := connectTestDB(t)
	ctx := context.Background()

	created := createTestTemplate(t, repo, "Hi {{name}}", "<p>{{bio}}</p>")
	assert.Equal(t, []string{"name", "bio"}, created.Variables)
	assert.Equal(t, "en", created.Language)

	v1, err := repo.GetVersion(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Initial creation", v1.ChangeReason)

	subject2 := "Hello {{name}}"
	_, err = repo.UpdateTemplate(ctx, created.ID, UpdateTemplateInput{Subject: &subject2})
	require.NoError(t, err)

	body3 := "<p>{{bio}} from {{city}}</p>"
	updated, err := repo.UpdateTemplate(ctx, created.ID, UpdateTemplateInput{Body: &body3, ChangeReason: "add city"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "bio", "city"}, updated.Variables)

	reverted, err := repo.RevertToVersion(ctx, created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, v1.Subject, reverted.Subject)
	assert.Equal(t, v1.Body, reverted.Body)
	assert.Equal(t, v1.Variables, reverted.Variables)

	versions, err := repo.ListVersions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	for i, v := range versions {
		assert.Equal(t, 4-i, v.Version, "versions are listed newest first")
	}

	v4, v3, v2, first := versions[0], versions[1], versions[2], versions[3]

	assert.Equal(t, "Hello {{name}}", v2.Subject)
	assert.Equal(t, "Template updated", v2.ChangeReason)
	assert.Equal(t, "add city", v3.ChangeReason)

	// Version 1 is untouched by later edits.
	assert.Equal(t, v1.ID, first.ID)
	assert.Equal(t, "Hi {{name}}", first.Subject)
	assert.Equal(t, "<p>{{bio}}</p>", first.Body)

	// The revert is appended as version 4 with version 1's content.
	assert.Equal(t, first.Subject, v4.Subject)
	assert.Equal(t, first.Body, v4.Body)
	assert.Equal(t, "Reverted to version 1", v4.ChangeReason)
	require.NotNil(t, v4.ChangedBy)
	assert.Equal(t, "system", *v4.ChangedBy)
}

func TestRepository_RevertUnknownVersion(t *testing.T) {
	repo := connectTestDB(t)
	created := createTestTemplate(t, repo, "s", "b")

	_, err := repo.RevertToVersion(context.Background(), created.ID, 7)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	versions, err := repo.ListVersions(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "a failed revert appends nothing")
}

func TestRepository_CodeUniqueAndSoftDelete(t *testing.T) {
	repo := connectTestDB(t)
	ctx := context.Background()
	created := createTestTemplate(t, repo, "s", "b")

	_, err := repo.CreateTemplate(ctx, CreateTemplateInput{
		Code: created.Code, Name: "dup", Type: TemplateTypeEmail, Body: "b",
	})
	assert.ErrorIs(t, err, ErrTemplateCodeExists)

	_, err = repo.SoftDeleteTemplate(ctx, created.ID)
	require.NoError(t, err)

	_, err = repo.GetTemplateByCode(ctx, created.Code)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = repo.CreateTemplate(ctx, CreateTemplateInput{
		Code: created.Code, Name: "dup", Type: TemplateTypeEmail, Body: "b",
	})
	assert.ErrorIs(t, err, ErrTemplateCodeExists, "soft-deleted codes stay reserved")
}

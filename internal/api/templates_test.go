package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/postal/internal/db"
	"github.com/lalithlochan/postal/internal/template"
)

type mockTemplates struct {
	templates map[uuid.UUID]*db.Template
	versions  map[uuid.UUID][]*db.TemplateVersion
	created   *db.CreateTemplateInput
	updated   *db.UpdateTemplateInput
	filter    *db.TemplateFilter
	failWith  error
}

func newMockTemplates() *mockTemplates {
	return &mockTemplates{
		templates: map[uuid.UUID]*db.Template{},
		versions:  map[uuid.UUID][]*db.TemplateVersion{},
	}
}

func (m *mockTemplates) add(code string) *db.Template {
	t := &db.Template{ID: uuid.New(), Code: code, Name: code, Type: db.TemplateTypeEmail, Subject: "Hi {{name}}", Body: "<p>{{name}}</p>", IsActive: true}
	m.templates[t.ID] = t
	m.versions[t.ID] = []*db.TemplateVersion{{TemplateID: t.ID, Version: 1, Subject: t.Subject, Body: t.Body}}
	return t
}

func (m *mockTemplates) Create(_ context.Context, in db.CreateTemplateInput) (*db.Template, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	m.created = &in
	for _, t := range m.templates {
		if t.Code == in.Code {
			return nil, db.ErrTemplateCodeExists
		}
	}
	t := &db.Template{ID: uuid.New(), Code: in.Code, Name: in.Name, Type: in.Type, Subject: in.Subject, Body: in.Body, IsActive: true}
	m.templates[t.ID] = t
	return t, nil
}

func (m *mockTemplates) Update(_ context.Context, id uuid.UUID, in db.UpdateTemplateInput) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, db.ErrTemplateNotFound
	}
	m.updated = &in
	if in.Body != nil {
		t.Body = *in.Body
	}
	return t, nil
}

func (m *mockTemplates) Revert(_ context.Context, id uuid.UUID, version int) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, db.ErrTemplateNotFound
	}
	for _, v := range m.versions[id] {
		if v.Version == version {
			t.Subject, t.Body = v.Subject, v.Body
			return t, nil
		}
	}
	return nil, fmt.Errorf("revert: %w", db.ErrVersionNotFound)
}

func (m *mockTemplates) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.templates[id]; !ok {
		return db.ErrTemplateNotFound
	}
	delete(m.templates, id)
	return nil
}

func (m *mockTemplates) Get(_ context.Context, id uuid.UUID) (*db.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, db.ErrTemplateNotFound
	}
	return t, nil
}

func (m *mockTemplates) List(_ context.Context, f db.TemplateFilter) ([]*db.Template, int, error) {
	m.filter = &f
	if m.failWith != nil {
		return nil, 0, m.failWith
	}
	var out []*db.Template
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out, len(out), nil
}

func (m *mockTemplates) Versions(_ context.Context, id uuid.UUID) ([]*db.TemplateVersion, error) {
	if _, ok := m.templates[id]; !ok {
		return nil, db.ErrTemplateNotFound
	}
	return m.versions[id], nil
}

func (m *mockTemplates) Preview(_ context.Context, code string, version int, vars map[string]any) (template.Rendered, error) {
	for _, t := range m.templates {
		if t.Code == code {
			return template.Render(t, vars), nil
		}
	}
	return template.Rendered{}, db.ErrTemplateNotFound
}

func newTemplateRouter(m *mockTemplates) http.Handler {
	return newTestRouter(NewHandler(zap.NewNop(), &mockAdmitter{}, &mockStatuses{}, m))
}

func TestCreateTemplate(t *testing.T) {
	m := newMockTemplates()
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "POST", "/v1/templates",
		`{"template_code":"welcome","name":"Welcome","type":"email","subject":"Hi {{name}}","body":"<p>Hello</p>","language":"en"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got db.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "welcome", got.Code)
	assert.Equal(t, "en", m.created.Language)

	rec = doRequest(t, router, "POST", "/v1/templates",
		`{"template_code":"welcome","name":"Again","type":"email","body":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateTemplate_Validation(t *testing.T) {
	router := newTemplateRouter(newMockTemplates())

	rec := doRequest(t, router, "POST", "/v1/templates", `{"template_code":"x","name":"X","type":"sms","body":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "type failed oneof")

	rec = doRequest(t, router, "POST", "/v1/templates", `{"name":"X","type":"email","body":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "template_code failed required")
}

func TestGetTemplate(t *testing.T) {
	m := newMockTemplates()
	tmpl := m.add("welcome")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "GET", "/v1/templates/"+tmpl.ID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, "GET", "/v1/templates/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, "GET", "/v1/templates/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTemplate(t *testing.T) {
	m := newMockTemplates()
	tmpl := m.add("welcome")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "PATCH", "/v1/templates/"+tmpl.ID.String(), `{"body":"<p>New</p>","change_reason":"copy edit"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<p>New</p>", tmpl.Body)
	assert.Equal(t, "copy edit", m.updated.ChangeReason)
	assert.Nil(t, m.updated.Subject)
}

func TestDeleteTemplate(t *testing.T) {
	m := newMockTemplates()
	tmpl := m.add("welcome")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "DELETE", "/v1/templates/"+tmpl.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, "DELETE", "/v1/templates/"+tmpl.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTemplates(t *testing.T) {
	m := newMockTemplates()
	m.add("welcome")
	m.add("reset")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "GET", "/v1/templates?type=email&limit=5&offset=0&search=wel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page TemplateListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 5, page.Limit)
	assert.Equal(t, db.TemplateFilter{Search: "wel", Type: "email", Limit: 5}, *m.filter)

	rec = doRequest(t, router, "GET", "/v1/templates?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	m.failWith = errors.New("db down")
	rec = doRequest(t, router, "GET", "/v1/templates", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTemplateVersionsAndRevert(t *testing.T) {
	m := newMockTemplates()
	tmpl := m.add("welcome")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "GET", "/v1/templates/"+tmpl.ID.String()+"/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":1`)

	tmpl.Body = "changed"
	rec = doRequest(t, router, "POST", "/v1/templates/"+tmpl.ID.String()+"/revert/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<p>{{name}}</p>", tmpl.Body)

	rec = doRequest(t, router, "POST", "/v1/templates/"+tmpl.ID.String()+"/revert/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, "POST", "/v1/templates/"+tmpl.ID.String()+"/revert/zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewTemplate(t *testing.T) {
	m := newMockTemplates()
	m.add("welcome")
	router := newTemplateRouter(m)

	rec := doRequest(t, router, "POST", "/v1/templates/preview", `{"template_code":"welcome","variables":{"name":"<b>Ada</b>"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out template.Rendered
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Hi <b>Ada</b>", out.Subject)
	assert.Equal(t, "<p>&lt;b&gt;Ada&lt;/b&gt;</p>", out.Body)

	rec = doRequest(t, router, "POST", "/v1/templates/preview", `{"template_code":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

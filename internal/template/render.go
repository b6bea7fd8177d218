package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lalithlochan/postal/internal/db"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

	htmlEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
)

// Rendered is a template with variables substituted.
type Rendered struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`

	// Unresolved lists placeholders in the template source that had no
	// matching variable. Text inserted from variables is never scanned.
	Unresolved []string `json:"unresolved,omitempty"`
}

// Render substitutes {{ key }} placeholders. Subject values are inserted
// as-is, body values are HTML-escaped. Keys are case-sensitive and
// placeholders without a matching variable are left in place.
func Render(t *db.Template, vars map[string]any) Rendered {
	return renderContent(t.Subject, t.Body, vars)
}

// RenderVersion renders a historical version of a template.
func RenderVersion(v *db.TemplateVersion, vars map[string]any) Rendered {
	return renderContent(v.Subject, v.Body, vars)
}

func renderContent(subject, body string, vars map[string]any) Rendered {
	var out Rendered
	out.Subject, out.Unresolved = substitute(subject, vars, false, out.Unresolved)
	out.Body, out.Unresolved = substitute(body, vars, true, out.Unresolved)
	return out
}

// substitute replaces placeholders in text and appends the ones with no
// matching variable to missing.
func substitute(text string, vars map[string]any, escape bool, missing []string) (string, []string) {
	result := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, match)
			return match
		}
		s := stringify(v)
		if escape {
			return htmlEscaper.Replace(s)
		}
		return s
	})
	return result, missing
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

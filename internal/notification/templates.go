package notification

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Rendered is the output of template rendering: a concrete title/body pair
// plus the data bag that produced it.
type Rendered struct {
	Title string
	Body  string
	Data  map[string]any
}

// placeholderPattern matches {{.Key}} and {{Key}} placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*\.?([A-Za-z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes data values into the template's title and body.
// Placeholders with no matching data key are left verbatim so a malformed
// template degrades visibly instead of blocking delivery. The data schema is
// checked as a warning only; template misuse never fails a business event.
func RenderTemplate(t *Template, data map[string]any, log *slog.Logger) *Rendered {
	warnSchemaGaps(t, data, log)
	return &Rendered{
		Title: substitute(t.TitleTemplate, data),
		Body:  substitute(t.BodyTemplate, data),
		Data:  data,
	}
}

func substitute(tmpl string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := data[key]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		// Data bags travel through JSON, where whole numbers arrive as
		// float64. Render 4.0 as "4".
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func warnSchemaGaps(t *Template, data map[string]any, log *slog.Logger) {
	if log == nil || len(t.DataSchema) == 0 {
		return
	}
	var missing []string
	for _, key := range t.DataSchema {
		if _, ok := data[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Warn("template data missing schema fields",
			slog.String("template", t.Name),
			slog.String("missing", strings.Join(missing, ",")))
	}
}

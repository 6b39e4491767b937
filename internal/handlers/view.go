package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"agentstore/internal/contextutil"
	"agentstore/internal/record"
)

// Raw HTML in record text is escaped: the renderer is not built WithUnsafe.
var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Typographer,
	),
	goldmark.WithParserOptions(
		parser.WithAutoHeadingID(),
	),
)

var recordTemplate = template.Must(template.New("record").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.ID}} &middot; {{.Table}}</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      margin: 0 auto;
      padding: 2rem;
      max-width: 900px;
      line-height: 1.7;
    }
    header {
      margin-bottom: 2rem;
      border-bottom: 1px solid #ddd;
      padding-bottom: 1rem;
    }
    .meta {
      color: #64748b;
      font-size: 0.95rem;
    }
    table {
      border-collapse: collapse;
      margin-top: 2rem;
    }
    td {
      border: 1px solid #ddd;
      padding: 0.25rem 0.75rem;
    }
    pre {
      background: #f1f5f9;
      padding: 1rem;
      overflow-x: auto;
    }
  </style>
</head>
<body>
  <header>
    <h1>{{.ID}}</h1>
    <p class="meta">Table: {{.Table}}{{if .CreatedAt}} &middot; Created: {{.CreatedAt}}{{end}}</p>
  </header>
  <article>{{.Content}}</article>
  {{if .Attributes}}<table>
  {{range .Attributes}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
  {{end}}</table>{{end}}
</body>
</html>`))

// recordPageData holds template data for rendered record pages.
type recordPageData struct {
	ID         string
	Table      record.Table
	CreatedAt  string
	Content    template.HTML
	Attributes []attribute
}

type attribute struct {
	Key   string
	Value string
}

// View handles GET /api/tables/{table}/records/{id}/view, rendering the
// record's text as markdown in an HTML page.
func (h *RecordsHandler) View(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	c, ok := h.connector(w, r)
	if !ok {
		return
	}

	rec, err := c.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleConnectorError(w, ctx, err, "Failed to get record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}

	content, err := renderMarkdown([]byte(rec.Text))
	if err != nil {
		logger.ErrorContext(ctx, "failed to render markdown", "id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to render record")
		return
	}

	data := recordPageData{
		ID:         rec.ID,
		Table:      c.Table(),
		Content:    template.HTML(content),
		Attributes: attributes(rec.Fields, rec.Metadata),
	}
	if !rec.CreatedAt.IsZero() {
		data.CreatedAt = rec.CreatedAt.Format(time.RFC3339)
	}

	var buf bytes.Buffer
	if err := recordTemplate.Execute(&buf, data); err != nil {
		logger.ErrorContext(ctx, "failed to execute record template", "id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to render record")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderMarkdown(content []byte) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert(content, &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return buf.String(), nil
}

// attributes lists fields then metadata, each sorted by key.
func attributes(fields, metadata map[string]any) []attribute {
	var out []attribute
	for _, m := range []map[string]any{fields, metadata} {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			out = append(out, attribute{Key: k, Value: fmt.Sprint(m[k])})
		}
	}
	return out
}

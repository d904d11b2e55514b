package mail

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	AlertSubject  = "🔥 URGENT: Fire Detection Alert! 🔥"
	StatusSubject = "Fire Status Analysis - Automated Response"
)

// AlertData fills the alert templates.
type AlertData struct {
	SubjectID        string
	FrameNumber      int64
	TimestampSeconds float64
	DetectedAt       time.Time
	ImageURL         string
}

// StatusData fills the status report templates.
type StatusData struct {
	Analysis   string
	ImageURL   string
	ReportedAt time.Time
}

type renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func newRenderer() (*renderer, error) {
	funcs := htmltemplate.FuncMap{
		"breaks": func(s string) htmltemplate.HTML {
			escaped := htmltemplate.HTMLEscapeString(s)
			return htmltemplate.HTML(strings.ReplaceAll(escaped, "\n", "<br>")) //nolint:gosec // input escaped above
		},
	}
	html, err := htmltemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse html templates: %w", err)
	}
	text, err := texttemplate.New("").ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse text templates: %w", err)
	}
	return &renderer{html: html, text: text}, nil
}

// render executes the text and html variants of name.
func (r *renderer) render(name string, data any) (text, html string, err error) {
	var tb, hb bytes.Buffer
	if err := r.text.ExecuteTemplate(&tb, name+".txt.tmpl", data); err != nil {
		return "", "", fmt.Errorf("failed to render %s text: %w", name, err)
	}
	if err := r.html.ExecuteTemplate(&hb, name+".html.tmpl", data); err != nil {
		return "", "", fmt.Errorf("failed to render %s html: %w", name, err)
	}
	return tb.String(), hb.String(), nil
}

// Package errorpage renders the static documents served when the upstream
// fails with 500, 502, 503 or 504.
package errorpage

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strconv"
)

//go:embed 50x.html
var defaultPage string

// Statuses are the codes that get a rendered document.
var Statuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type pageData struct {
	Status int
	Text   string
}

// Pages holds one pre-rendered document per status.
type Pages struct {
	docs map[int][]byte
}

// Load renders the pages from the html/template at path, or from the
// built-in document when path is empty.
func Load(path string) (*Pages, error) {
	src := defaultPage
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read error page %s: %w", path, err)
		}
		src = string(b)
	}

	tmpl, err := template.New("error_page").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse error page: %w", err)
	}

	p := &Pages{docs: make(map[int][]byte, len(Statuses))}
	for _, status := range Statuses {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, pageData{Status: status, Text: http.StatusText(status)}); err != nil {
			return nil, fmt.Errorf("render error page for %d: %w", status, err)
		}
		p.docs[status] = buf.Bytes()
	}

	return p, nil
}

// Body returns the document for status. Statuses without their own page
// fall back to the 500 document.
func (p *Pages) Body(status int) []byte {
	if doc, ok := p.docs[status]; ok {
		return doc
	}
	return p.docs[http.StatusInternalServerError]
}

// Render writes status and its document.
func (p *Pages) Render(w http.ResponseWriter, status int) {
	body := p.Body(status)

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}

// ServeHTTP answers a direct request for the error page with the 500
// document and status 200.
func (p *Pages) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body := p.Body(http.StatusInternalServerError)

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

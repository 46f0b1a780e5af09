// ABOUTME: Renders the embedded API reference to HTML at startup
// ABOUTME: Served on GET /docs

package gateway

import (
	"bytes"
	_ "embed"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed docs.md
var docsMarkdown []byte

const docsHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>WhatsApp Gateway API</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
code, pre { font-family: ui-monospace, monospace; background: #f4f4f4; }
pre { padding: 0.75rem; overflow-x: auto; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ddd; padding: 0.25rem 0.5rem; text-align: left; }
</style>
</head>
<body>
`

const docsTail = "</body>\n</html>\n"

func renderDocs() ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var buf bytes.Buffer
	buf.WriteString(docsHead)
	if err := md.Convert(docsMarkdown, &buf); err != nil {
		return nil, err
	}
	buf.WriteString(docsTail)
	return buf.Bytes(), nil
}

func (g *Gateway) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(g.docsHTML)
}

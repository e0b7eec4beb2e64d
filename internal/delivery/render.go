package delivery

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var page = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:Georgia,serif;max-width:640px;margin:auto;line-height:1.5">
<h2>{{.Title}}</h2>
{{.Body}}
</body></html>`))

// RenderHTML converts the payload markdown into a standalone HTML document.
// Unparseable markdown degrades to escaped preformatted text.
func RenderHTML(p Payload) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(p.Markdown()), &body); err != nil {
		body.Reset()
		body.WriteString("<pre>")
		body.WriteString(template.HTMLEscapeString(p.PlainBody()))
		body.WriteString("</pre>")
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{Title: strings.TrimSpace(p.Subject), Body: template.HTML(body.String())})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

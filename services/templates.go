package services

import (
	"bytes"
	"embed"
	htmltmpl "html/template"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

const (
	TemplateRemarketing        = "remarketing"
	TemplateSubscriptionExpiry = "subscription_expiry"
	TemplateAccessExpiry       = "access_expiry"
)

//go:embed templates/*.txt templates/*.gohtml
var templateFS embed.FS

type templatePair struct {
	text *texttmpl.Template
	html *htmltmpl.Template
}

type TemplateContext struct {
	AppName     string
	FrontendURL string
	Data        interface{}
}

// Renderer fills EmailMessage contents from the embedded templates.
type Renderer struct {
	appName     string
	frontendURL string
	templates   map[string]templatePair
}

func NewRenderer(appName, frontendURL string) (*Renderer, error) {
	r := &Renderer{
		appName:     appName,
		frontendURL: frontendURL,
		templates:   make(map[string]templatePair),
	}
	for _, name := range []string{TemplateRemarketing, TemplateSubscriptionExpiry, TemplateAccessExpiry} {
		txt, err := texttmpl.New(name).ParseFS(templateFS, "templates/_base.txt", "templates/"+name+".txt")
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s.txt", name)
		}
		html, err := htmltmpl.New(name).ParseFS(templateFS, "templates/_base.gohtml", "templates/"+name+".gohtml")
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s.gohtml", name)
		}
		r.templates[name] = templatePair{text: txt, html: html}
	}
	return r, nil
}

func (r *Renderer) Render(msg *EmailMessage) error {
	pair, ok := r.templates[msg.TemplateName]
	if !ok {
		return errors.Errorf("unknown email template %q", msg.TemplateName)
	}
	data := TemplateContext{AppName: r.appName, FrontendURL: r.frontendURL, Data: msg.TemplateData}

	var buf bytes.Buffer
	if err := pair.text.ExecuteTemplate(&buf, "base", data); err != nil {
		return errors.Wrapf(err, "render %s text", msg.TemplateName)
	}
	msg.TextContent = buf.String()

	buf.Reset()
	if err := pair.html.ExecuteTemplate(&buf, "base", data); err != nil {
		return errors.Wrapf(err, "render %s html", msg.TemplateName)
	}
	msg.HTMLContent = buf.String()
	return nil
}

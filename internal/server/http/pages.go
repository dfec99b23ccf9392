package httpserver

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

// html/template escapes every interpolated value for its context.
var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;text-align:center}</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Link}}<p><a href="{{.Link}}">Continue</a></p>{{else}}<p>You can close this window.</p>{{end}}
</body>
</html>
`))

type page struct {
	Title   string
	Message string
	Link    string
}

func (h *Handler) renderPage(w http.ResponseWriter, status int, p page) {
	securityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTmpl.Execute(w, p); err != nil {
		h.log.Error("render page", zap.Error(err))
	}
}

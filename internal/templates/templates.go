// Package templates embeds the HTML served by the daemon's status page.
package templates

import (
	"embed"
	"html/template"
)

//go:embed templates/*
var resources embed.FS

var funcs = template.FuncMap{
	"ms": func(seconds float64) float64 { return seconds * 1e3 },
}

var Executor = template.Must(template.New("").Funcs(funcs).ParseFS(resources, "templates/*"))


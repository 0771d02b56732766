package web

import (
	"bytes"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/pulsepoint/pulsetree/pkg/utils"
	"go.uber.org/zap"
)

var homeTemplate = template.Must(template.New("Home").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>pulsetree live server</title>
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<style>
		body { font-family: sans-serif; margin: 2em; color: #222; }
		.stats { display: flex; gap: 2em; margin-bottom: 1.5em; }
		.stat-name { color: #666; }
		.button { display: block; margin: 0.5em 0; padding: 0.6em 1em; border: 1px solid #ccc; border-radius: 4px; text-decoration: none; color: #222; width: 20em; }
	</style>
</head>
<body>
	<h1>pulsetree</h1>
	<div class="stats">
		<span class="stat"><span class="stat-name">Server Version: </span><span class="stat-value">{{.ServerVersion}}</span></span>
		<span class="stat"><span class="stat-name">Project: </span><span class="stat-value">{{.ProjectName}}</span></span>
		<span class="stat"><span class="stat-name">Server Uptime: </span><span class="stat-value">{{.Uptime}}</span></span>
	</div>
	<table>
		{{range $name, $value := .Stats}}<tr><th align="left">{{$name}}</th><td>{{$value}}</td></tr>
		{{end}}
	</table>
	<div class="button-list">
		<a class="button" href="/show-imfs">View in-memory filesystem state</a>
		<a class="button" href="/show-instances">View instance tree state</a>
		{{if .Metrics}}<a class="button" href="/metrics">View metrics</a>{{end}}
	</div>
</body>
</html>
`))

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	info := s.session.RootInfo()

	projectName := info.ProjectName
	if projectName == "" {
		projectName = "<unnamed>"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homeTemplate.Execute(w, struct {
		ServerVersion string
		ProjectName   string
		Uptime        string
		Stats         map[string]interface{}
		Metrics       bool
	}{
		ServerVersion: info.ServerVersion,
		ProjectName:   projectName,
		Uptime:        utils.FormatDuration(time.Since(info.StartTime)),
		Stats:         s.session.Stats(),
		Metrics:       s.config.MetricsEnabled,
	}); err != nil {
		s.logger.Warn("Failed to render home page", zap.Error(err))
	}
}

func (s *Server) handleShowInstances(w http.ResponseWriter, r *http.Request) {
	s.writeDump(w, s.session.DumpTree)
}

func (s *Server) handleShowImfs(w http.ResponseWriter, r *http.Request) {
	s.writeDump(w, s.session.DumpImfs)
}

func (s *Server) writeDump(w http.ResponseWriter, dump func(io.Writer) error) {
	var buf bytes.Buffer
	if err := dump(&buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

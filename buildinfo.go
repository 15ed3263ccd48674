package main

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>Speed Daemon</title></head>
<body>
<h1>Speed Daemon {{.Version}}</h1>
<p>Commit {{.Commit}}, built {{.BuildTime}}</p>
<h2>Configuration</h2>
<ul>
<li>Client port: {{.Options.Port}}</li>
<li>Dispatcher sink capacity: {{if .Options.SinkCapacity}}{{.Options.SinkCapacity}} tickets{{else}}unbounded{{end}}</li>
<li>Log level: {{.Options.LogLevel}}</li>
</ul>
<h2><a href="/metrics">Metrics</a></h2>
<ul>
{{range .Metrics}}<li>{{.}}</li>
{{end}}</ul>
</body>
</html>
`))

type statusData struct {
	Version, Commit, BuildTime string
	Options                    *Options
	Metrics                    []string
}

// statusHandler describes the running daemon: its build, the options it was started with and the metric
// families gatherer currently exposes.
func statusHandler(opts *Options, gatherer prometheus.Gatherer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := statusData{Version: Version, Commit: Commit, BuildTime: BuildTime, Options: opts}
		families, err := gatherer.Gather()
		if err != nil {
			slog.Warn("error gathering metrics", "err", err)
		}
		for _, f := range families {
			data.Metrics = append(data.Metrics, f.GetName())
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := statusPage.Execute(w, data); err != nil {
			slog.Error("error writing status page", "err", err)
		}
	}
}

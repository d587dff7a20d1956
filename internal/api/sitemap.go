package api

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Endpoint documents one API route.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// Endpoints lists the routes shown by the sitemap.
var Endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Entry connection state and dependency checks"},
	{Path: "/api/entities", Method: "GET", Description: "All published entities with their current state"},
	{Path: "/api/entities/{domain}/{uid}", Method: "GET", Description: "One entity, e.g. /api/entities/cover/1-2"},
	{Path: "/api/entities/{domain}/{uid}/command", Method: "POST", Description: `Run a command: {"action":"set_position","position":40}`},
}

// handleSitemap lists the endpoints. It answers 404 so that scripts probing
// unknown paths still see a failure.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Contec Bridge API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 12px; margin: 8px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 4px; }
    </style>
</head>
<body>
    <h1>Contec Bridge API</h1>
`)
		for _, ep := range Endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, html.EscapeString(ep.Path), html.EscapeString(ep.Description))
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Contec Bridge API\n=================\n\nAvailable endpoints:\n\n")
		for _, ep := range Endpoints {
			fmt.Fprintf(w, "  %-5s %-38s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "\nExample:\n\n")
		fmt.Fprint(w, "  curl -X POST -d '{\"action\":\"turn_on\"}' http://localhost:8081/api/entities/light/0-3/command\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("path", r.URL.Path),
		zap.Bool("html_format", preferHTML))
}

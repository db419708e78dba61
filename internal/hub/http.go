package hub

import (
	"fmt"
	"net/http"
)

// handleSnapshot returns every record's payload keyed by record key.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, version := s.engine.SnapshotVersion()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": version,
		"data":    data,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.engine.CurrentVersion(),
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"pending": s.PendingCount(),
		"version": s.engine.CurrentVersion(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>rowsync</title>
</head>
<body>
    <h1>rowsync</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws/{client}</code> (use <code>new</code> for a generated id)</p>
    <p>Snapshot: <a href="/db">/db</a>, version: <a href="/version">/version</a>, health: <a href="/health">/health</a></p>
    <p>Change feed: <a href="/logs">/logs</a></p>
</body>
</html>`, r.Host)
}

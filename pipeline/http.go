package pipeline

import (
	"encoding/json"
	"net/http"
)

// RegisterHTTPHandlers adds the operator endpoints:
//
//	GET  /pipeline/state   current Snapshot as JSON
//	POST /pipeline/resume  release a halted pipeline (409 when not halted)
func (p *Pipeline) RegisterHTTPHandlers(handle func(pattern string, h http.Handler)) {
	handle("GET /pipeline/state", http.HandlerFunc(p.handleState))
	handle("POST /pipeline/resume", http.HandlerFunc(p.handleResume))
}

func (p *Pipeline) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (p *Pipeline) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := p.Resume(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	p.logger.Info("Resume requested over HTTP")
	writeJSON(w, http.StatusAccepted, p.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

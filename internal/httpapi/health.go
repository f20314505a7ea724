package httpapi

import "net/http"

// handleHealthz is a liveness probe: the process is running.
func (d *Deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok"})
}

// handleReadyz is a readiness probe: the store is reachable and the
// configured LLM provider's circuit breaker is not permanently open (§12).
func (d *Deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.ReadinessCheck == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ready"})
		return
	}
	if err := d.ReadinessCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Msg: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ready"})
}

// Package health serves the liveness and readiness endpoints.
//
//   - GET /healthz — liveness; a process that can answer HTTP is alive.
//   - GET /readyz  — readiness; 200 only while every registered probe
//     passes. Viva registers the session store ping and the embedding
//     circuit here.
//
// Readiness responses carry one entry per probe with its latency, so a
// degraded dependency is visible from the response body alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds each readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. Run returns nil while the dependency can
// serve; it must respect ctx cancellation.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// probeResult is one probe's entry in the readiness response.
type probeResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// report is the JSON body of both endpoints. Probes is nil on /healthz.
type report struct {
	Status string                 `json:"status"`
	Probes map[string]probeResult `json:"probes,omitempty"`
}

// Handler answers the health endpoints. The probe set is fixed at
// construction, so it is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a [Handler] running the given probes on every /readyz request,
// in order.
func New(probes ...Probe) *Handler {
	h := &Handler{probes: make([]Probe, len(probes))}
	copy(h.probes, probes)
	return h
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200: serving the request is the proof.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe under its own [probeTimeout] and answers 503 when
// any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	out := report{Status: "ok", Probes: make(map[string]probeResult, len(h.probes))}
	status := http.StatusOK

	for _, p := range h.probes {
		res := runProbe(r.Context(), p)
		out.Probes[p.Name] = res
		if res.Status != "ok" {
			out.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	respond(w, status, out)
}

// runProbe executes one probe, folding its outcome and latency into the
// response entry.
func runProbe(ctx context.Context, p Probe) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Run(ctx)
	res := probeResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

func respond(w http.ResponseWriter, status int, body report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

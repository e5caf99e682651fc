package httpapi

import (
	"net/http"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/identify"
)

type HealthHandler struct {
	ctrl *identify.Controller
	db   identify.Pinger
}

func NewHealthHandler(ctrl *identify.Controller, db identify.Pinger) *HealthHandler {
	return &HealthHandler{ctrl: ctrl, db: db}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Status handles GET /status. It answers 503 while new images cannot be identified.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Status(r.Context(), r.URL.Query().Get("handle"), h.db)
	status := http.StatusOK
	if !st.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

package health

import (
	"net/http"
	"time"

	"github.com/talkline/relay/internal/infrastructure/json"
)

var startTime = time.Now()

// Backbone reports whether the cross-process bridge is connected.
type Backbone interface {
	Healthy() bool
}

type Handler struct {
	backbone Backbone // nil when the relay runs without a bridge
}

func NewHandler(backbone Backbone) *Handler {
	return &Handler{backbone: backbone}
}

// GetHealth reports liveness plus the bridge mode. A degraded bridge is
// still healthy: the relay keeps serving local traffic in single-process
// mode.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	bridge := "disabled"
	if h.backbone != nil {
		if h.backbone.Healthy() {
			bridge = "connected"
		} else {
			bridge = "degraded"
		}
	}

	json.Write(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Bridge:    bridge,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	})
}

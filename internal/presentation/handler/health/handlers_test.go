package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubBackbone struct{ healthy bool }

func (s stubBackbone) Healthy() bool { return s.healthy }

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		backbone   Backbone
		wantBridge string
	}{
		{name: "no bridge configured", backbone: nil, wantBridge: "disabled"},
		{name: "bridge connected", backbone: stubBackbone{healthy: true}, wantBridge: "connected"},
		{name: "bridge degraded", backbone: stubBackbone{healthy: false}, wantBridge: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.backbone)

			req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			rec := httptest.NewRecorder()
			h.GetHealth(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var resp healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != "ok" {
				t.Errorf("status = %q, want ok", resp.Status)
			}
			if resp.Bridge != tt.wantBridge {
				t.Errorf("bridge = %q, want %q", resp.Bridge, tt.wantBridge)
			}
			if resp.Uptime == "" {
				t.Error("uptime should be set")
			}
		})
	}
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		input     Input
		wantMode  Mode
		wantReady bool
	}{
		{
			name:      "all_healthy",
			input:     Input{StoreHealthy: true, UpstreamUsable: true},
			wantMode:  ModeHealthy,
			wantReady: true,
		},
		{
			name:      "upstream_failing_degrades",
			input:     Input{StoreHealthy: true, UpstreamUsable: false},
			wantMode:  ModeDegraded,
			wantReady: true,
		},
		{
			name:      "store_down_is_unhealthy",
			input:     Input{StoreHealthy: false, UpstreamUsable: true},
			wantMode:  ModeUnhealthy,
			wantReady: false,
		},
		{
			name:      "everything_down",
			input:     Input{StoreHealthy: false, UpstreamUsable: false},
			wantMode:  ModeUnhealthy,
			wantReady: false,
		},
	}

	evaluator := NewStatusEvaluator()
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status := evaluator.Evaluate(tc.input)
			if status.Mode != tc.wantMode {
				t.Errorf("Mode = %q, want %q", status.Mode, tc.wantMode)
			}
			if status.Ready != tc.wantReady {
				t.Errorf("Ready = %v, want %v", status.Ready, tc.wantReady)
			}
			if status.Components["store"] != tc.input.StoreHealthy {
				t.Errorf("store component = %v, want %v", status.Components["store"], tc.input.StoreHealthy)
			}
			if status.Components["upstream"] != tc.input.UpstreamUsable {
				t.Errorf("upstream component = %v, want %v", status.Components["upstream"], tc.input.UpstreamUsable)
			}
		})
	}
}

type staticProvider struct {
	status Status
}

func (p staticProvider) CurrentStatus(context.Context) Status {
	return p.status
}

func TestHandlerLivez(t *testing.T) {
	t.Parallel()

	handler := NewHandler(staticProvider{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandlerReadyz(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		ready      bool
		wantStatus int
	}{
		{name: "ready", ready: true, wantStatus: http.StatusOK},
		{name: "not_ready", ready: false, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			handler := NewHandler(staticProvider{status: Status{Ready: tc.ready}})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestHandlerHealthz(t *testing.T) {
	t.Parallel()

	provider := staticProvider{status: Status{
		Mode:       ModeDegraded,
		Ready:      true,
		Components: map[string]bool{"store": true, "upstream": false},
	}}
	handler := NewHandler(provider)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.Mode != ModeDegraded || !status.Ready {
		t.Fatalf("body = %+v, want degraded and ready", status)
	}
	if status.Components["upstream"] {
		t.Fatal("upstream component should be false")
	}
}

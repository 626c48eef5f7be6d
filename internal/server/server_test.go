package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/server/endpoints"
	"github.com/jackzampolin/skim/internal/testutil"
)

// newTestServer builds a server on a temp home with no managed sidecar and no
// providers, so lifecycle tests run without Docker or network.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := testutil.NewServerConfig(t)

	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}

	srv, err := New(Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		Home:   dir,
		Logger: cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, cfg.URL()
}

func TestServer_FullLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srv, baseURL := newTestServer(t)

	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)

	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	if err := testutil.WaitForServer(baseURL, 15*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}

	t.Run("health_endpoint", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var health endpoints.HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if health.Status != "ok" {
			t.Errorf("health.Status = %q, want %q", health.Status, "ok")
		}
	})

	t.Run("ready_endpoint", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/ready")
		if err != nil {
			t.Fatalf("ready check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var health endpoints.HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if health.Store != "ok" {
			t.Errorf("health.Store = %q, want %q", health.Store, "ok")
		}
	})

	t.Run("task_crud_over_http", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{
			"task_name":         "quantum watch",
			"search_query":      "cat:quant-ph",
			"user_requirements": "quantum error correction at scale",
			"interval_seconds":  3600,
			"delay_first_run":   true,
		})
		resp, err := http.Post(baseURL+"/api/tasks", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("create task failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}

		var created endpoints.TaskResponse
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if created.Config.TaskID == "" {
			t.Fatal("created task has no ID")
		}
		if created.Status.Running {
			t.Error("freshly registered task reports running")
		}

		getResp, err := http.Get(baseURL + "/api/tasks/" + created.Config.TaskID)
		if err != nil {
			t.Fatalf("get task failed: %v", err)
		}
		defer getResp.Body.Close()
		if getResp.StatusCode != http.StatusOK {
			t.Errorf("get status = %d, want %d", getResp.StatusCode, http.StatusOK)
		}
	})

	t.Run("settings_roundtrip", func(t *testing.T) {
		body, _ := json.Marshal(endpoints.UpdateSettingRequest{Value: "dark"})
		req, _ := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/api/settings/theme", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put setting failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("put status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		getResp, err := http.Get(baseURL + "/api/settings/theme")
		if err != nil {
			t.Fatalf("get setting failed: %v", err)
		}
		defer getResp.Body.Close()

		var setting endpoints.SettingResponse
		if err := json.NewDecoder(getResp.Body).Decode(&setting); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if setting.Value != "dark" {
			t.Errorf("setting.Value = %q, want %q", setting.Value, "dark")
		}
	})

	t.Run("is_running", func(t *testing.T) {
		if !srv.IsRunning() {
			t.Error("IsRunning() = false, want true")
		}
	})

	// Shutdown server
	serverCancel()

	select {
	case err := <-serverErr:
		if err != nil {
			t.Logf("server returned error (expected during shutdown): %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}

	t.Run("not_running_after_shutdown", func(t *testing.T) {
		if srv.IsRunning() {
			t.Error("IsRunning() = true after shutdown, want false")
		}
	})
}

// TestServer_ContextCancellation tests that the server properly handles
// context cancellation.
func TestServer_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srv, baseURL := newTestServer(t)

	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)

	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	if err := testutil.WaitForServer(baseURL, 15*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}

	serverCancel()

	if err := testutil.WaitForShutdown(serverErr, 30*time.Second); err != nil {
		t.Logf("server returned error (expected during shutdown): %v", err)
	}
}

// TestServer_DoubleStart tests that starting a running server returns an error.
func TestServer_DoubleStart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	srv, baseURL := newTestServer(t)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	go func() {
		_ = srv.Start(serverCtx)
	}()

	if err := testutil.WaitForServer(baseURL, 15*time.Second); err != nil {
		t.Fatalf("server did not start: %v", err)
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should return error")
	}
}

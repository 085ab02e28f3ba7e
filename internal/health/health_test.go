package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRegistry struct {
	count atomic.Int64
}

func (f *fakeRegistry) Len() int {
	return int(f.count.Load())
}

func registryOf(n int) *fakeRegistry {
	r := &fakeRegistry{}
	r.count.Store(int64(n))
	return r
}

func TestHealthHandler_NotReady(t *testing.T) {
	server := New(8081, registryOf(1)) // port doesn't matter for handler tests

	req := httptest.NewRequest("GET", "/health", nil)
	recorder := httptest.NewRecorder()

	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusProcessing {
		t.Errorf("expected status %d, got %d", http.StatusProcessing, recorder.Code)
	}

	body := recorder.Body.String()
	if body != "starting" {
		t.Errorf("expected body 'starting', got '%s'", body)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name     string
		registry Registry
		expected string
	}{
		{"one source", registryOf(1), "ok 1 sources"},
		{"several sources", registryOf(3), "ok 3 sources"},
		{"no registry", nil, "ok 0 sources"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(8081, tt.registry)
			server.MarkReady()

			req := httptest.NewRequest("GET", "/health", nil)
			recorder := httptest.NewRecorder()

			server.healthHandler(recorder, req)

			if recorder.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, recorder.Code)
			}
			if body := recorder.Body.String(); body != tt.expected {
				t.Errorf("expected body '%s', got '%s'", tt.expected, body)
			}

			contentType := recorder.Header().Get("Content-Type")
			if contentType != "text/plain; charset=utf-8" {
				t.Errorf("expected Content-Type 'text/plain; charset=utf-8', got '%s'", contentType)
			}
		})
	}
}

func TestHealthHandler_ReportsCurrentCount(t *testing.T) {
	registry := registryOf(1)
	server := New(8081, registry)
	server.MarkReady()

	req := httptest.NewRequest("GET", "/health", nil)

	registry.count.Store(4)
	recorder := httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if body := recorder.Body.String(); body != "ok 4 sources" {
		t.Errorf("expected count to follow the registry, got '%s'", body)
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	server := New(8081, registryOf(1))

	methods := []string{"POST", "PUT", "DELETE", "PATCH"}
	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/health", nil)
			recorder := httptest.NewRecorder()

			server.healthHandler(recorder, req)

			if recorder.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d",
					http.StatusMethodNotAllowed, method, recorder.Code)
			}
		})
	}
}

func TestHealthServer_StateTransitions(t *testing.T) {
	server := New(8081, registryOf(1))

	req := httptest.NewRequest("GET", "/health", nil)
	recorder := httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusProcessing {
		t.Errorf("expected initial state to be not ready (102), got %d", recorder.Code)
	}

	server.MarkReady()
	recorder = httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("expected ready state (200), got %d", recorder.Code)
	}

	// a config reload marks the host not ready while sources are swapped
	server.MarkNotReady()
	recorder = httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusProcessing {
		t.Errorf("expected not ready state (102), got %d", recorder.Code)
	}
}

func TestHealthServer_ConcurrentAccess(t *testing.T) {
	server := New(8081, registryOf(2))

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			server.MarkReady()
			time.Sleep(time.Microsecond)
			server.MarkNotReady()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			req := httptest.NewRequest("GET", "/health", nil)
			recorder := httptest.NewRecorder()
			server.healthHandler(recorder, req)

			if recorder.Code != http.StatusOK && recorder.Code != http.StatusProcessing {
				t.Errorf("unexpected status code during concurrent access: %d", recorder.Code)
			}
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done
}

func TestHealthServer_Lifecycle(t *testing.T) {
	server := New(0, registryOf(1))

	serverChan := make(chan error, 1)
	go func() {
		serverChan <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	req := httptest.NewRequest("GET", "/health", nil)
	recorder := httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusProcessing {
		t.Errorf("expected 102 during startup, got %d", recorder.Code)
	}

	server.MarkReady()

	recorder = httptest.NewRecorder()
	server.healthHandler(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", recorder.Code)
	}

	if err := server.Stop(); err != nil {
		t.Errorf("failed to stop server: %v", err)
	}

	select {
	case err := <-serverChan:
		if err != http.ErrServerClosed {
			t.Logf("Server stopped with: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop within timeout")
	}
}

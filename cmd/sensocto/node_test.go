package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sensocto/sensocto-go/internal/gateway"
)

func TestAdminURL(t *testing.T) {
	cases := []struct {
		addr string
		path string
		want string
	}{
		{"http://localhost:7070", "/api/status", "http://localhost:7070/api/status"},
		{"http://localhost:7070/", "/api/status", "http://localhost:7070/api/status"},
		{"localhost:7070", "/api/drain", "http://localhost:7070/api/drain"},
		{"https://edge-3.internal", "/api/shutdown", "https://edge-3.internal/api/shutdown"},
	}
	for _, tc := range cases {
		if got := adminURL(tc.addr, tc.path); got != tc.want {
			t.Errorf("adminURL(%q, %q) = %q, want %q", tc.addr, tc.path, got, tc.want)
		}
	}
}

func TestRunNodeStatusAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(gateway.NodeStatus{Node: "test", ActiveSensors: 2})
	}))
	defer srv.Close()

	if code := runNodeStatus(srv.URL); code != exitOK {
		t.Errorf("status exit = %d", code)
	}
}

func TestRunNodeStatusUnreachable(t *testing.T) {
	if code := runNodeStatus("http://127.0.0.1:1"); code != exitRuntime {
		t.Errorf("unreachable exit = %d", code)
	}
}

func TestRunNodeDrainBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if code := runNodeDrain(srv.URL, true); code != exitProtocol {
		t.Errorf("drain exit = %d", code)
	}
}

func TestRunNodeShutdown(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/shutdown" && r.Method == http.MethodPost {
			hit = true
			json.NewEncoder(w).Encode(map[string]bool{"shutting_down": true})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if code := runNodeShutdown(srv.URL); code != exitOK {
		t.Errorf("shutdown exit = %d", code)
	}
	if !hit {
		t.Error("shutdown endpoint never called")
	}
}

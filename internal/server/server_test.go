package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hiketrack/internal/config"
)

func TestHealthRoute(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", ServerPort: ":0"}, nil, nil)
	defer s.Close()

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
	if s.Backend != BackendMemory {
		t.Fatalf("expected memory backend without a pool, got %s", s.Backend)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret"}, nil, nil)
	defer s.Close()

	resp, err := s.App.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "hiketrack_") {
		t.Fatalf("expected hiketrack metrics in exposition")
	}
}

func TestTrackingRequiresAuth(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: BackendMemory}, nil, nil)
	defer s.Close()

	req := httptest.NewRequest(http.MethodPost, "/tracking/sessions", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
}

func TestRegisterAndStartSession(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: BackendMemory}, nil, nil)
	defer s.Close()

	body := `{"email":"a@example.com","name":"A","password":"pw","emergency_contacts":["base-camp"]}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("register failed: %v", err)
	}
	var registered struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&registered); err != nil {
		t.Fatalf("decode register: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/tracking/sessions", strings.NewReader(`{"activity_id":"hike-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+registered.Tokens.AccessToken)
	resp, err = s.App.Test(req)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected created, got %d", resp.StatusCode)
	}
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.db")
	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: BackendSQLite, SQLitePath: path}, nil, nil)
	defer s.Close()

	if s.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %s", s.Backend)
	}
}

func TestSQLiteOpenFailureFallsBack(t *testing.T) {
	old := openSQLiteFn
	openSQLiteFn = func(config.Config) (*sql.DB, error) { return nil, errors.New("disk gone") }
	defer func() { openSQLiteFn = old }()

	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: BackendSQLite}, nil, nil)
	defer s.Close()
	if s.Backend != BackendMemory {
		t.Fatalf("expected memory fallback, got %s", s.Backend)
	}
}

func TestUnknownBackendFallsBack(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: "tape"}, nil, nil)
	defer s.Close()
	if s.Backend != BackendMemory {
		t.Fatalf("expected memory fallback, got %s", s.Backend)
	}
}

func TestAnomalyConfigOverrides(t *testing.T) {
	c := anomalyConfig(config.Config{SpeedMaxMps: 6, AnomalyCooldown: time.Minute})
	if c.SpeedMaxMps != 6 || c.Cooldown != time.Minute {
		t.Fatalf("expected overrides applied: %+v", c)
	}
	if c.StationaryAfter != 20*time.Minute || c.OffRouteThresholdM != 50 {
		t.Fatalf("expected defaults kept: %+v", c)
	}
}

func TestKafkaSinkWiredWhenBrokersSet(t *testing.T) {
	s := NewServer(config.Config{JWTSecret: "secret", StoreBackend: BackendMemory, KafkaBrokers: "localhost:1", KafkaTopic: "alerts"}, nil, nil)
	defer s.Close()
	if s.kafka == nil {
		t.Fatalf("expected kafka writer")
	}
}

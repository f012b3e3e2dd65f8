package tracking

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hiketrack/internal/auth"
	"hiketrack/internal/track"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func newTestApp(svc *Service) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), svc, func(c *fiber.Ctx) error { return c.Next() })
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		raw, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestTrackingHandlers(t *testing.T) {
	svc, _ := newTestService()
	defer svc.Close()
	app := newTestApp(svc)

	resp := doJSON(t, app, http.MethodPost, "/tracking/sessions", StartRequest{ActivityID: "lantau", UserID: "user-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status: %d", resp.StatusCode)
	}
	var started Summary
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	base := "/tracking/sessions/" + started.SessionID

	for i := 0; i < 3; i++ {
		resp = doJSON(t, app, http.MethodPost, base+"/points", point(i, 22.3+float64(i)*0.001))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("add point status: %d", resp.StatusCode)
		}
	}
	var fix track.Fix
	_ = json.NewDecoder(resp.Body).Decode(&fix)
	if fix.Seq != 2 || !fix.HasAltitude {
		t.Fatalf("unexpected stored fix %+v", fix)
	}

	resp = doJSON(t, app, http.MethodPost, base+"/points", point(1, 22.3))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for out of order fix, got %d", resp.StatusCode)
	}

	if resp = doJSON(t, app, http.MethodPost, base+"/pause", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status: %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodPost, base+"/pause", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for double pause, got %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodPost, base+"/resume", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status: %d", resp.StatusCode)
	}

	if resp = doJSON(t, app, http.MethodGet, base+"/playback?progress=0.5", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for playback of live session, got %d", resp.StatusCode)
	}

	if resp = doJSON(t, app, http.MethodPost, base+"/stop", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status: %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, base+"/summary", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status: %d", resp.StatusCode)
	}
	var summary Summary
	_ = json.NewDecoder(resp.Body).Decode(&summary)
	if summary.PointCount != 3 || summary.State != "completed" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if resp = doJSON(t, app, http.MethodGet, base+"/points", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("points status: %d", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, base+"/playback?progress=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("playback status: %d", resp.StatusCode)
	}
	var frame Frame
	_ = json.NewDecoder(resp.Body).Decode(&frame)
	if frame.Cursor.Index != 2 {
		t.Fatalf("unexpected cursor %+v", frame.Cursor)
	}

	resp = doJSON(t, app, http.MethodPost, base+"/playback/advance", AdvanceRequest{ElapsedMs: 30_000, Speed: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance status: %d", resp.StatusCode)
	}
	_ = json.NewDecoder(resp.Body).Decode(&frame)
	if frame.Cursor.Index != 1 {
		t.Fatalf("unexpected advanced cursor %+v", frame.Cursor)
	}

	if resp = doJSON(t, app, http.MethodGet, base+"/playback?progress=half", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for progress, got %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodGet, base+"/anomalies/stationary", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found for anomaly, got %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodGet, base+"/anomalies/bears", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for detector, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersBadRequest(t *testing.T) {
	svc, _ := newTestService()
	app := newTestApp(svc)

	if resp := doJSON(t, app, http.MethodPost, "/tracking/sessions", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}

	req := httptest.NewRequest(http.MethodPost, "/tracking/sessions", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}

	req = httptest.NewRequest(http.MethodPost, "/tracking/sessions/session-1/points", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
}

func TestTrackingHandlersNotFound(t *testing.T) {
	svc, _ := newTestService()
	app := newTestApp(svc)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/tracking/sessions/missing/pause"},
		{http.MethodPost, "/tracking/sessions/missing/stop"},
		{http.MethodDelete, "/tracking/sessions/missing"},
		{http.MethodGet, "/tracking/sessions/missing/summary"},
		{http.MethodGet, "/tracking/sessions/missing/points"},
		{http.MethodPost, "/tracking/sessions/missing/recover"},
		{http.MethodGet, "/tracking/shares/missing/anomalies/speed"},
	} {
		if resp := doJSON(t, app, tc.method, tc.path, nil); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s: expected not found, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestTrackingHandlersDiscardAndRecover(t *testing.T) {
	svc, _ := newTestService()
	defer svc.Close()
	app := newTestApp(svc)

	resp := doJSON(t, app, http.MethodPost, "/tracking/sessions", StartRequest{UserID: "user-1"})
	var started Summary
	_ = json.NewDecoder(resp.Body).Decode(&started)

	resp = doJSON(t, app, http.MethodGet, "/tracking/sessions/recoverable", nil)
	var listing struct {
		Sessions []string `json:"sessions"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&listing)
	if resp.StatusCode != http.StatusOK || len(listing.Sessions) != 0 {
		t.Fatalf("live sessions are not recoverable: %d %v", resp.StatusCode, listing.Sessions)
	}

	if resp = doJSON(t, app, http.MethodPost, "/tracking/sessions/"+started.SessionID+"/recover", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict recovering a live session, got %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodDelete, "/tracking/sessions/"+started.SessionID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("discard status: %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodGet, "/tracking/sessions/"+started.SessionID+"/summary", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found after discard, got %d", resp.StatusCode)
	}
}

func TestTrackingHandlersShares(t *testing.T) {
	svc, _ := newTestService()
	app := newTestApp(svc)

	if resp := doJSON(t, app, http.MethodPost, "/tracking/shares", ShareRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request")
	}
	resp := doJSON(t, app, http.MethodPost, "/tracking/shares", ShareRequest{UserID: "user-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status: %d", resp.StatusCode)
	}
	var share Share
	_ = json.NewDecoder(resp.Body).Decode(&share)

	var res ShareResult
	for i := 0; i < 3; i++ {
		p := TrackPoint{Lat: 22.3, Lng: 114.2, SpeedMps: ptr(12), RecordedAt: t0.Add(time.Duration(i) * time.Second)}
		resp = doJSON(t, app, http.MethodPost, "/tracking/shares/"+share.ID+"/points", p)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("share point status: %d", resp.StatusCode)
		}
		_ = json.NewDecoder(resp.Body).Decode(&res)
	}
	if len(res.Anomalies) != 1 {
		t.Fatalf("expected a speed anomaly, got %+v", res.Anomalies)
	}

	if resp = doJSON(t, app, http.MethodGet, "/tracking/shares/"+share.ID+"/anomalies/speed", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("share anomaly status: %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodDelete, "/tracking/shares/"+share.ID, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop share status: %d", resp.StatusCode)
	}
}

func TestTrackingHandlersPersistenceFailure(t *testing.T) {
	svc := NewService(failingBackend{track.NewMemoryBackend()}, WithClock(func() time.Time { return t0 }))
	defer svc.Close()
	app := newTestApp(svc)

	resp := doJSON(t, app, http.MethodPost, "/tracking/sessions", StartRequest{UserID: "user-1"})
	var started Summary
	_ = json.NewDecoder(resp.Body).Decode(&started)

	resp = doJSON(t, app, http.MethodPost, "/tracking/sessions/"+started.SessionID+"/points", point(0, 22.3))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected service unavailable, got %d", resp.StatusCode)
	}
	if resp = doJSON(t, app, http.MethodGet, "/tracking/sessions/recoverable", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected service unavailable for listing, got %d", resp.StatusCode)
	}
}

func signedRequest(t *testing.T, method, path, hiker string, body any) *http.Request {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		UserID:           hiker,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestTokenIdentityWins(t *testing.T) {
	svc, _ := newTestService()
	defer svc.Close()
	app := fiber.New()
	RegisterRoutes(app.Group("/tracking"), svc, auth.JWTMiddleware("secret"))

	for _, path := range []string{"/tracking/sessions", "/tracking/shares"} {
		resp, err := app.Test(signedRequest(t, http.MethodPost, path, "hiker-1", StartRequest{UserID: "hiker-2"}))
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: expected forbidden for foreign user_id, got %d", path, resp.StatusCode)
		}
	}

	resp, err := app.Test(signedRequest(t, http.MethodPost, "/tracking/sessions", "hiker-1", StartRequest{ActivityID: "lantau"}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status: %d", resp.StatusCode)
	}
	var started Summary
	_ = json.NewDecoder(resp.Body).Decode(&started)
	if started.UserID != "hiker-1" {
		t.Fatalf("expected token identity, got %q", started.UserID)
	}

	resp, err = app.Test(signedRequest(t, http.MethodPost, "/tracking/shares", "hiker-1", ShareRequest{UserID: "hiker-1"}))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status: %d", resp.StatusCode)
	}
}

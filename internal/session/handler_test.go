package session_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/session"
)

func newApp(f *fixture) *fiber.App {
	h := session.NewHandler(f.sessions)
	app := fiber.New()
	app.Post("/sessions/start", h.Start)
	app.Get("/sessions/:id", h.Get)
	app.Post("/sessions/:id/bill", h.Bill)
	app.Post("/sessions/:id/end", h.End)
	app.Post("/sessions/:id/pause", h.Pause)
	app.Get("/sessions/:id/entries", h.Entries)
	app.Get("/wallets/:walletId/sessions/active", h.Active)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestHandlerStartBillEnd(t *testing.T) {
	f := newFixture(t, fixtureOptions{balance: 100})
	app := newApp(f)

	status, body := doJSON(t, app, http.MethodPost, "/sessions/start", map[string]string{
		"wallet_id":  f.payer.ID,
		"service_id": f.service.ID,
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["status"] != string(session.StatusActive) {
		t.Fatalf("unexpected start body %v", body)
	}

	status, _ = doJSON(t, app, http.MethodPost, "/sessions/start", map[string]string{
		"wallet_id":  f.payer.ID,
		"service_id": f.service.ID,
	})
	if status != http.StatusConflict {
		t.Fatalf("second start should conflict, got %d", status)
	}

	status, body = doJSON(t, app, http.MethodGet, "/wallets/"+f.payer.ID+"/sessions/active", nil)
	if status != http.StatusOK || body["id"] != id {
		t.Fatalf("expected active session %s, got %d %v", id, status, body)
	}

	f.clock.Advance(5 * time.Second)
	status, body = doJSON(t, app, http.MethodPost, "/sessions/"+id+"/bill", nil)
	if status != http.StatusOK || body["billed_amount"] != float64(10) {
		t.Fatalf("expected 10 billed, got %d %v", status, body)
	}

	status, body = doJSON(t, app, http.MethodPost, "/sessions/"+id+"/end", nil)
	if status != http.StatusOK || body["total_amount"] != float64(10) {
		t.Fatalf("unexpected end response %d %v", status, body)
	}

	status, _ = doJSON(t, app, http.MethodPost, "/sessions/"+id+"/end", nil)
	if status != http.StatusConflict {
		t.Fatalf("second end should conflict, got %d", status)
	}

	status, body = doJSON(t, app, http.MethodGet, "/sessions/"+id+"/entries", nil)
	if status != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("expected two entries, got %d %v", status, body)
	}
}

func TestHandlerBillInsufficientReturnsPaymentRequired(t *testing.T) {
	f := newFixture(t, fixtureOptions{balance: 3, minBalance: 1})
	app := newApp(f)
	sess := f.start(t)

	f.clock.Advance(5 * time.Second)
	status, body := doJSON(t, app, http.MethodPost, "/sessions/"+sess.ID+"/bill", nil)
	if status != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", status)
	}
	if body["ended"] != true || body["status"] != string(session.StatusEnded) {
		t.Fatalf("expected ended session in body, got %v", body)
	}
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{balance: 100})
	app := newApp(f)

	if status, _ := doJSON(t, app, http.MethodGet, "/sessions/missing", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status, _ := doJSON(t, app, http.MethodPost, "/sessions/start", map[string]string{"wallet_id": f.payer.ID}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without service, got %d", status)
	}
	sess := f.start(t)
	if status, _ := doJSON(t, app, http.MethodPost, "/sessions/"+sess.ID+"/pause", nil); status != http.StatusOK {
		t.Fatalf("pause should succeed, got %d", status)
	}
	if status, _ := doJSON(t, app, http.MethodPost, "/sessions/"+sess.ID+"/bill", nil); status != http.StatusConflict {
		t.Fatalf("bill on paused session should conflict, got %d", status)
	}
}

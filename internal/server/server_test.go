package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pulsepay/pulsepay/internal/app"
	"github.com/pulsepay/pulsepay/internal/config"
	"github.com/pulsepay/pulsepay/internal/logging"
)

const (
	testStoreID   = "6f1c2a8e-4d3b-4d0e-9a57-3c1b2f0e9d11"
	testServiceID = "0b7e6d5c-2a19-4f38-8e47-5d6c7b8a9f02"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*fiber.App, *clock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	seed := filepath.Join(t.TempDir(), "catalog.json")
	body := `{"stores": [{"id": "` + testStoreID + `", "name": "Gym", "category": "GYM", "services": [
		{"id": "` + testServiceID + `", "name": "Treadmill", "rate_per_minute": "120", "min_balance": 10}]}]}`
	if err := os.WriteFile(seed, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cfg := config.Config{
		AppName:        "PulsePay",
		AppEnv:         "test",
		Port:           "0",
		RedisURL:       "redis://" + mr.Addr(),
		IdempotencyTTL: time.Minute,
		StartRateLimit: 10,
		CatalogSeed:    seed,
	}
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := app.New(context.Background(), cfg, logging.Discard(), app.Options{Clock: clk.Now})
	if err != nil {
		t.Fatalf("wire app: %v", err)
	}
	t.Cleanup(svc.Close)

	srv, err := New(svc)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.App(), clk
}

func call(t *testing.T, a *fiber.App, method, path string, body any) (int, map[string]any) {
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
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if method == fiber.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	resp, err := a.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	a, clk := newTestServer(t)

	status, w := call(t, a, fiber.MethodPost, "/api/v1/wallets", map[string]any{"owner_type": "USER", "owner_id": uuid.NewString()})
	if status != fiber.StatusCreated {
		t.Fatalf("create wallet: %d %v", status, w)
	}
	walletID := w["id"].(string)

	status, topUp := call(t, a, fiber.MethodPost, "/api/v1/wallets/"+walletID+"/topup", map[string]any{
		"amount": 100, "card_number": "4111111111111111", "expiry": "12/29", "cvv": "123",
	})
	if status != fiber.StatusCreated || topUp["wallet_balance"].(float64) != 100 {
		t.Fatalf("top up: %d %v", status, topUp)
	}

	status, sess := call(t, a, fiber.MethodPost, "/api/v1/sessions/start", map[string]any{"wallet_id": walletID, "service_id": testServiceID})
	if status != fiber.StatusCreated {
		t.Fatalf("start: %d %v", status, sess)
	}
	id := sess["id"].(string)

	clk.Advance(5 * time.Second)
	status, bill := call(t, a, fiber.MethodPost, "/api/v1/sessions/"+id+"/bill", nil)
	if status != fiber.StatusOK || bill["billed_amount"].(float64) != 10 {
		t.Fatalf("bill: %d %v", status, bill)
	}

	clk.Advance(2 * time.Second)
	status, ended := call(t, a, fiber.MethodPost, "/api/v1/sessions/"+id+"/end", nil)
	if status != fiber.StatusOK {
		t.Fatalf("end: %d %v", status, ended)
	}

	status, refund := call(t, a, fiber.MethodPost, "/api/v1/sessions/"+id+"/refund", map[string]any{"amount": 4, "note": "late start"})
	if status != fiber.StatusCreated || refund["refunded_total"].(float64) != 4 {
		t.Fatalf("refund: %d %v", status, refund)
	}

	status, bal := call(t, a, fiber.MethodGet, "/api/v1/wallets/"+walletID+"/balance", nil)
	if status != fiber.StatusOK || bal["balance"].(float64) != 90 {
		t.Fatalf("balance: %d %v", status, bal)
	}

	status, _ = call(t, a, fiber.MethodGet, "/api/v1/wallets/"+walletID+"/sessions/active", nil)
	if status != fiber.StatusNotFound {
		t.Fatalf("expected no active session, got %d", status)
	}
}

func TestMoneyRoutesRequireIdempotencyKey(t *testing.T) {
	a, _ := newTestServer(t)
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/sessions/start", strings.NewReader(`{"service_id":"`+testServiceID+`"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := a.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a, _ := newTestServer(t)

	status, health := call(t, a, fiber.MethodGet, "/healthz", nil)
	if status != fiber.StatusOK {
		t.Fatalf("healthz: %d %v", status, health)
	}

	resp, err := a.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil), -1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

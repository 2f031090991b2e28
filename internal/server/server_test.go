package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing (in-memory storage)
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		MerchantRate:     decimal.RequireFromString("0.02"),
		MerchantFixed:    decimal.RequireFromString("10.00"),
		DspRate:          decimal.RequireFromString("0.005"),
		CashoutRate:      decimal.RequireFromString("0.015"),
		ApprovalTTL:      48 * time.Hour,
		MaxDeliveryDays:  7,
		MaxReassignments: 1,
		OTPTTL:           24 * time.Hour,
		OTPMaxAttempts:   5,
		OTPDigits:        6,
		ExpirySweepEvery: time.Minute,
		AdminSecret:      "test-admin-secret",
		RateLimitRPS:     100,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	if resp["database"] != "not_configured" {
		t.Errorf("Expected database 'not_configured', got %v", resp["database"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestLinkRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	linkRoutes := map[string]bool{
		"POST:/v1/peacelinks":             false,
		"GET:/v1/peacelinks/:id":          false,
		"POST:/v1/peacelinks/:id/approve": false,
		"POST:/v1/peacelinks/:id/dsp":     false,
		"POST:/v1/peacelinks/:id/confirm": false,
		"POST:/v1/peacelinks/:id/cancel":  false,
		"GET:/v1/references/:reference":   false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := linkRoutes[key]; ok {
			linkRoutes[key] = true
		}
	}

	for route, found := range linkRoutes {
		if !found {
			t.Errorf("Link route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/wallets/:userId",
		"GET:/v1/wallets/:userId/ledger",
		"POST:/v1/cashouts",
		"POST:/v1/disputes",
		"POST:/v1/admin/wallets",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRouteRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/platform/wallet", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/platform/wallet", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/admin/platform/wallet", nil)
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with correct secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Wallet provisioning flow
// ---------------------------------------------------------------------------

func TestWalletProvisioningFlow(t *testing.T) {
	s := newTestServer(t)

	// Create a wallet with an opening balance
	body := `{"userId":"merchant-1","balance":"500.00"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/wallets", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Read the balance back
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/wallets/merchant-1", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != "500.00" {
		t.Errorf("Expected balance 500.00, got %v", resp["balance"])
	}

	// Top it up
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/wallets/merchant-1/credit", strings.NewReader(`{"amount":"50.00"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "test-admin-secret")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/wallets/merchant-1", nil)
	s.router.ServeHTTP(w, req)

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["balance"] != "550.00" {
		t.Errorf("Expected balance 550.00 after credit, got %v", resp["balance"])
	}
}

func TestWalletNotFound(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/wallets/nobody", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// ID param validation
// ---------------------------------------------------------------------------

func TestMalformedLinkIDRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/peacelinks/not-a-valid-id", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed ID, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

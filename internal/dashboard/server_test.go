package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"balanceflow/config"
	"balanceflow/internal/engine"
	"balanceflow/logger"
)

type stubCycleSource struct {
	snapshot engine.CycleSnapshot
	ok       bool
}

func (s *stubCycleSource) LastCycle() (engine.CycleSnapshot, bool) {
	return s.snapshot, s.ok
}

func testServer(source cycleSource) (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(config.DashboardConfig{Enabled: true, Listen: ":0"}, source, logger.GetLogger())
	router := gin.New()
	srv.registerRoutes(router, "balanceflow")
	return srv, router
}

func TestServerDisabledReturnsNil(t *testing.T) {
	srv := NewServer(config.DashboardConfig{Enabled: false}, &stubCycleSource{}, logger.GetLogger())
	if srv != nil {
		t.Fatalf("disabled dashboard produced a server")
	}
	if err := srv.Run(nil, "balanceflow"); err != nil {
		t.Fatalf("nil server Run failed: %v", err)
	}
}

func TestCycleEndpointBeforeFirstCycle(t *testing.T) {
	_, router := testServer(&stubCycleSource{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cycle", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCycleEndpointServesSnapshot(t *testing.T) {
	source := &stubCycleSource{
		snapshot: engine.CycleSnapshot{
			CompletedAt:  time.Now().UTC(),
			TotalBalance: 12500.5,
			OrdersPlaced: 2,
		},
		ok: true,
	}
	_, router := testServer(source)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cycle", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var got engine.CycleSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.TotalBalance != 12500.5 || got.OrdersPlaced != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, router := testServer(&stubCycleSource{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["app"] != "balanceflow" {
		t.Fatalf("app = %v", body["app"])
	}
	if _, ok := body["last_cycle"]; ok {
		t.Fatalf("status reported a cycle before one completed")
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, router := testServer(&stubCycleSource{})

	log := logger.GetLogger()
	log.WithComponent("dashboard").Info("visible to the store")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/logs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(srv.logStore.snapshot()) == 0 {
		t.Fatalf("log store captured nothing")
	}
}

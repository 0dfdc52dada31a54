package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	cfgpkg "github.com/openfms/telematics-gateway/internal/config"
)

func TestServerServesRegisteredRoutes(t *testing.T) {
	cfg := cfgpkg.APIConfig{Port: 0, SecretKey: "test-secret"}
	srv, r := New(cfg)

	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	srv.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("/ping code=%d", rr.Code)
	}
	if rr.Body.String() != "pong" {
		t.Fatalf("/ping body=%q", rr.Body.String())
	}
}

func TestNewSetsAddrFromPort(t *testing.T) {
	cfg := cfgpkg.APIConfig{Port: 8080, SecretKey: "test-secret"}
	srv, _ := New(cfg)
	if srv.srv.Addr != ":8080" {
		t.Fatalf("addr=%q, want :8080", srv.srv.Addr)
	}
}

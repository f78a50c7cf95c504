package handler_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"majordomo.app/conductor/internal/health"
	"majordomo.app/conductor/internal/http/handler"
)

var _ = Describe("HealthHandler", func() {
	var (
		router  *gin.Engine
		tracker *health.Tracker
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		tracker = health.NewTracker(3)
		h := handler.NewHealthHandler(tracker, nil, nil)
		router.GET("/health", h.Health)
		router.GET("/ready", h.Ready)
	})

	It("returns 200 while the consumer is healthy", func() {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("healthy"))
	})

	It("returns 200 while degraded below the failure threshold", func() {
		tracker.ReportLogFailure(errors.New("read timeout"))
		tracker.ReportLogFailure(errors.New("read timeout"))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("degraded"))
		Expect(resp["last_error"]).To(Equal("read timeout"))
	})

	It("returns 503 once the failure threshold is crossed", func() {
		for i := 0; i < 3; i++ {
			tracker.ReportLogFailure(errors.New("read timeout"))
		}

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("unhealthy"))
	})

	It("reports ready when no dependency is wired", func() {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
	})
})

package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"majordomo.app/conductor/internal/http/handler"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/run"
)

var _ = Describe("RunHandler", func() {
	var (
		router *gin.Engine
		store  *mockRunStore
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		store = &mockRunStore{}
		h := handler.NewRunHandler(store)
		router.GET("/runs", h.List)
		router.GET("/runs/:run_id", h.Get)
	})

	It("returns 200 with runs on success", func() {
		store.listFn = func(_ context.Context, _ run.ListFilter) ([]model.Run, error) {
			return []model.Run{
				{RunID: "r1", Status: model.RunStatusCompleted, Intent: "research.market.competitors"},
				{RunID: "r2", Status: model.RunStatusRunning, Intent: "finance.budget"},
			}, nil
		}

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Runs []map[string]any `json:"runs"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Runs).To(HaveLen(2))
		Expect(resp.Runs[0]["run_id"]).To(Equal("r1"))
		Expect(resp.Runs[1]["status"]).To(Equal("running"))
	})

	It("passes status and limit filters to the store", func() {
		var got run.ListFilter
		store.listFn = func(_ context.Context, filter run.ListFilter) ([]model.Run, error) {
			got = filter
			return nil, nil
		}

		req := httptest.NewRequest(http.MethodGet, "/runs?status=failed&limit=5", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(got.Status).To(Equal(model.RunStatusFailed))
		Expect(got.Limit).To(Equal(int32(5)))
	})

	It("returns 400 on an unknown status filter", func() {
		called := false
		store.listFn = func(_ context.Context, _ run.ListFilter) ([]model.Run, error) {
			called = true
			return nil, nil
		}

		req := httptest.NewRequest(http.MethodGet, "/runs?status=paused", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusBadRequest))
		Expect(called).To(BeFalse())
	})

	It("returns 400 on a non-positive limit", func() {
		req := httptest.NewRequest(http.MethodGet, "/runs?limit=0", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 500 when listing fails", func() {
		store.listFn = func(_ context.Context, _ run.ListFilter) ([]model.Run, error) {
			return nil, errors.New("boom")
		}

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})

	It("returns 200 with the run and its transitions", func() {
		finished := time.Now().UTC()
		store.getFn = func(_ context.Context, runID string) (*model.Run, error) {
			return &model.Run{
				RunID:      runID,
				Status:     model.RunStatusCompleted,
				Department: model.DepartmentResearch,
				Intent:     "research.market.competitors",
				FinishedAt: &finished,
			}, nil
		}
		store.transitionsFn = func(_ context.Context, runID string) ([]model.RunTransition, error) {
			return []model.RunTransition{
				{ID: 1, RunID: runID, FromStatus: model.RunStatusQueued, ToStatus: model.RunStatusStarted},
				{ID: 2, RunID: runID, FromStatus: model.RunStatusStarted, ToStatus: model.RunStatusRunning},
				{ID: 3, RunID: runID, FromStatus: model.RunStatusRunning, ToStatus: model.RunStatusCompleted},
			}, nil
		}

		req := httptest.NewRequest(http.MethodGet, "/runs/r1", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp struct {
			Run         map[string]any   `json:"run"`
			Transitions []map[string]any `json:"transitions"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Run["run_id"]).To(Equal("r1"))
		Expect(resp.Run["status"]).To(Equal("completed"))
		Expect(resp.Transitions).To(HaveLen(3))
		Expect(resp.Transitions[2]["to_status"]).To(Equal("completed"))
	})

	It("returns 404 for an unknown run", func() {
		req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 500 when loading the run fails", func() {
		store.getFn = func(_ context.Context, _ string) (*model.Run, error) {
			return nil, errors.New("boom")
		}

		req := httptest.NewRequest(http.MethodGet, "/runs/r1", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})
})

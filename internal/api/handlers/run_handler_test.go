package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/repository"
	"github.com/apk-analysis/app-compat-harness/internal/service"
	"github.com/apk-analysis/app-compat-harness/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunService Mock Service
type MockRunService struct {
	mock.Mock
}

func (m *MockRunService) Submit(ctx context.Context, pkg string, kind domain.TestKind) (*domain.TestRun, error) {
	args := m.Called(pkg, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TestRun), args.Error(1)
}

func (m *MockRunService) Run(ctx context.Context, pkg string, kind domain.TestKind) (*domain.TestRun, error) {
	args := m.Called(pkg, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TestRun), args.Error(1)
}

func (m *MockRunService) Execute(ctx context.Context, runID string) error {
	return m.Called(runID).Error(0)
}

func (m *MockRunService) Get(ctx context.Context, runID string) (*domain.TestRun, error) {
	args := m.Called(runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TestRun), args.Error(1)
}

func (m *MockRunService) List(ctx context.Context, filter repository.RunFilter) ([]*domain.TestRun, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.TestRun), args.Get(1).(int64), args.Error(2)
}

func (m *MockRunService) Artifacts(ctx context.Context, runID string) ([]*domain.RunArtifact, error) {
	args := m.Called(runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.RunArtifact), args.Error(1)
}

var _ service.RunService = (*MockRunService)(nil)

func setupRouter(svc *MockRunService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := NewRunHandler(svc, logger)
	r := gin.New()
	r.POST("/api/runs", h.CreateRun)
	r.GET("/api/runs", h.ListRuns)
	r.GET("/api/runs/:id", h.GetRun)
	r.GET("/api/runs/:id/artifacts", h.ListArtifacts)
	r.GET("/api/runs/:id/artifacts/:artifact_id", h.DownloadArtifact)
	return r
}

func doRequest(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// TestCreateRun 测试提交测试
func TestCreateRun(t *testing.T) {
	svc := &MockRunService{}
	svc.On("Submit", "com.a", domain.TestKindLaunch).
		Return(&domain.TestRun{ID: "run-1", PackageName: "com.a", Status: domain.RunStatusQueued}, nil).Once()
	svc.On("Submit", "com.full", domain.TestKindCrawl).Return(nil, worker.ErrQueueFull).Once()
	svc.On("Submit", "com.b", domain.TestKind("monkey")).Return(nil, service.ErrUnknownKind).Once()
	r := setupRouter(svc)

	w := doRequest(r, http.MethodPost, "/api/runs", []byte(`{"package_name":"com.a"}`))
	assert.Equal(t, http.StatusAccepted, w.Code)
	var run domain.TestRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.ID)

	w = doRequest(r, http.MethodPost, "/api/runs", []byte(`{"package_name":"com.full","kind":"crawl"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doRequest(r, http.MethodPost, "/api/runs", []byte(`{"package_name":"com.b","kind":"monkey"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/runs", []byte(`{"kind":"crawl"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertExpectations(t)
}

// TestListRuns 测试分页参数
func TestListRuns(t *testing.T) {
	svc := &MockRunService{}
	svc.On("List", repository.RunFilter{PackageName: "com.a", Status: domain.RunStatusFailed, Page: 2, PageSize: 100}).
		Return([]*domain.TestRun{{ID: "r1"}}, int64(101), nil).Once()
	svc.On("List", repository.RunFilter{Page: 1, PageSize: 20}).
		Return(nil, int64(0), errors.New("db down")).Once()
	r := setupRouter(svc)

	w := doRequest(r, http.MethodGet, "/api/runs?page=2&page_size=500&package=com.a&status=failed", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Runs  []domain.TestRun `json:"runs"`
		Total int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(101), resp.Total)
	assert.Len(t, resp.Runs, 1)

	w = doRequest(r, http.MethodGet, "/api/runs?page=abc", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	svc.AssertExpectations(t)
}

// TestGetRun 测试运行详情
func TestGetRun(t *testing.T) {
	svc := &MockRunService{}
	svc.On("Get", "run-1").Return(&domain.TestRun{ID: "run-1", Status: domain.RunStatusPassed}, nil).Once()
	svc.On("Get", "missing").Return(nil, repository.ErrRunNotFound).Once()
	r := setupRouter(svc)

	w := doRequest(r, http.MethodGet, "/api/runs/run-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"passed"`)

	w = doRequest(r, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestArtifacts 测试产物列表和下载
func TestArtifacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logcat_com.a.txt")
	require.NoError(t, os.WriteFile(path, []byte("log line"), 0o644))

	list := []*domain.RunArtifact{{ID: "a1", RunID: "run-1", Name: "logcat_com.a", DataType: domain.LogDataTypeText, Path: path}}
	svc := &MockRunService{}
	svc.On("Artifacts", "run-1").Return(list, nil)
	r := setupRouter(svc)

	w := doRequest(r, http.MethodGet, "/api/runs/run-1/artifacts", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"logcat_com.a"`)

	w = doRequest(r, http.MethodGet, "/api/runs/run-1/artifacts/a1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "log line", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "logcat_com.a.txt")

	w = doRequest(r, http.MethodGet, "/api/runs/run-1/artifacts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

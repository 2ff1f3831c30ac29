package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/repository"
	"github.com/apk-analysis/app-compat-harness/internal/service"
	"github.com/apk-analysis/app-compat-harness/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunHandler 测试运行接口
type RunHandler struct {
	runService service.RunService
	logger     *logrus.Logger
}

// NewRunHandler 创建处理器
func NewRunHandler(runService service.RunService, logger *logrus.Logger) *RunHandler {
	return &RunHandler{runService: runService, logger: logger}
}

// CreateRunRequest 提交测试请求
type CreateRunRequest struct {
	PackageName string          `json:"package_name" binding:"required"`
	Kind        domain.TestKind `json:"kind"`
}

// CreateRun 提交测试
// POST /api/runs {"package_name": "com.example", "kind": "launch"}
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = domain.TestKindLaunch
	}

	run, err := h.runService.Submit(c.Request.Context(), req.PackageName, req.Kind)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, run)
	case errors.Is(err, service.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
	case errors.Is(err, worker.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": err.Error()})
	default:
		h.logger.WithError(err).WithField("package", req.PackageName).Error("Failed to submit run")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
	}
}

// ListRuns 运行列表
// GET /api/runs?page=1&page_size=20&package=com.example&status=failed
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := repository.RunFilter{
		PackageName: c.Query("package"),
		Status:      domain.RunStatus(c.Query("status")),
		Page:        page,
		PageSize:    pageSize,
	}

	runs, total, err := h.runService.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun 运行详情
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListArtifacts 运行产物
// GET /api/runs/:id/artifacts
func (h *RunHandler) ListArtifacts(c *gin.Context) {
	artifacts, err := h.runService.Artifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

// DownloadArtifact 下载产物文件
// GET /api/runs/:id/artifacts/:artifact_id
func (h *RunHandler) DownloadArtifact(c *gin.Context) {
	artifacts, err := h.runService.Artifacts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	for _, a := range artifacts {
		if a.ID == c.Param("artifact_id") {
			c.FileAttachment(a.Path, a.Name+a.DataType.FileExt())
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "artifact not found"})
}

func (h *RunHandler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
		return
	}
	h.logger.WithError(err).WithField("run_id", c.Param("id")).Error("Failed to load run")
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
}

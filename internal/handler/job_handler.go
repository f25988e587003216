package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/jobs"
	"study-lifecycle-go/internal/pipeline"
	"study-lifecycle-go/pkg/tasks"
)

// JobHandler 负责作业结果查询与周期任务的手动触发。
type JobHandler struct {
	results      *jobs.ResultStore
	orchestrator *pipeline.Orchestrator
}

// NewJobHandler 创建一个新的 JobHandler 实例。
func NewJobHandler(results *jobs.ResultStore, orchestrator *pipeline.Orchestrator) *JobHandler {
	return &JobHandler{results: results, orchestrator: orchestrator}
}

// Get 处理 GET /jobs/:task_id。
func (h *JobHandler) Get(c *gin.Context) {
	res, err := h.results.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, res, "success")
}

// Heartbeats 处理 GET /admin/workers，返回各 worker 的最近心跳时间。
func (h *JobHandler) Heartbeats(c *gin.Context) {
	beats, err := h.results.Heartbeats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, beats, "success")
}

// Sweep 处理 POST /admin/revisions/sweep，提交一次修订巡检。
func (h *JobHandler) Sweep(c *gin.Context) {
	taskID, err := h.orchestrator.SubmitMaintenanceJob(c.Request.Context(), tasks.CheckStaleRevisions)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"taskId": taskID}, "revision sweep submitted")
}

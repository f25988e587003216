package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/pipeline"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

// SearchHandler 负责检索索引的重建、删除与对账请求。
type SearchHandler struct {
	orchestrator *pipeline.Orchestrator
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(orchestrator *pipeline.Orchestrator) *SearchHandler {
	return &SearchHandler{orchestrator: orchestrator}
}

// Reindex 处理 POST /studies/:id/index。
func (h *SearchHandler) Reindex(c *gin.Context) {
	taskID, err := h.orchestrator.RequestReindex(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"taskId": taskID}, "reindex submitted")
}

// DeleteIndex 处理 DELETE /studies/:id/index。
func (h *SearchHandler) DeleteIndex(c *gin.Context) {
	taskID, err := h.orchestrator.RequestIndexDelete(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"taskId": taskID}, "index delete submitted")
}

// ReindexAll 处理 POST /admin/index/reindex-all。
func (h *SearchHandler) ReindexAll(c *gin.Context) {
	taskIDs, err := h.orchestrator.Search.ReindexAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	log.Infof("[SearchHandler] 已提交 %d 个重建索引作业", len(taskIDs))
	respond(c, http.StatusAccepted, gin.H{"taskIds": taskIDs}, "reindex submitted")
}

// Sync 处理 POST /admin/index/sync，提交一次索引与注册表的对账。
func (h *SearchHandler) Sync(c *gin.Context) {
	taskID, err := h.orchestrator.SubmitMaintenanceJob(c.Request.Context(), tasks.SyncIndexes)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"taskId": taskID}, "index sync submitted")
}

package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/pipeline"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
)

// RevisionCommentHeader 是创建修订时携带修订说明的请求头。
const RevisionCommentHeader = "revision-comment"

// RevisionHandler 负责修订的创建、回调、删除与镜像重新同步。
type RevisionHandler struct {
	orchestrator *pipeline.Orchestrator
}

// NewRevisionHandler 创建一个新的 RevisionHandler 实例。
func NewRevisionHandler(orchestrator *pipeline.Orchestrator) *RevisionHandler {
	return &RevisionHandler{orchestrator: orchestrator}
}

// normaliseTaskStatus 接受 "completed"、"in-progress" 等写法。
func normaliseTaskStatus(s model.RevisionTaskStatus) model.RevisionTaskStatus {
	return model.RevisionTaskStatus(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(string(s)), "-", "_")))
}

// Create 处理 POST /studies/:id/revisions。
func (h *RevisionHandler) Create(c *gin.Context) {
	comment := strings.TrimSpace(c.GetHeader(RevisionCommentHeader))
	if comment == "" {
		fail(c, apperr.InvalidInput.New("%s header is required", RevisionCommentHeader))
		return
	}
	sub, err := h.orchestrator.CreateRevision(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), comment)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, sub, "revision submitted")
}

// List 处理 GET /studies/:id/revisions。
func (h *RevisionHandler) List(c *gin.Context) {
	_, study, err := h.orchestrator.Permissions.Evaluate(c.Param("id"), middleware.CurrentUser(c), obfuscationCode(c), false)
	if err != nil {
		fail(c, err)
		return
	}
	revisions, err := h.orchestrator.Revisions.List(study.DisplayID())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, revisions, "success")
}

// Get 处理 GET /studies/:id/revisions/:n。
func (h *RevisionHandler) Get(c *gin.Context) {
	number, err := intParam(c, "n")
	if err != nil {
		fail(c, err)
		return
	}
	_, study, err := h.orchestrator.Permissions.Evaluate(c.Param("id"), middleware.CurrentUser(c), obfuscationCode(c), false)
	if err != nil {
		fail(c, err)
		return
	}
	revision, err := h.orchestrator.Revisions.Get(study.DisplayID(), number)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, revision, "success")
}

// UpdateTask 处理 PUT /studies/:id/revisions/:n，是镜像同步作业的回调。
func (h *RevisionHandler) UpdateTask(c *gin.Context) {
	number, err := intParam(c, "n")
	if err != nil {
		fail(c, err)
		return
	}
	var update service.TaskStatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		fail(c, apperr.InvalidInput.New("invalid request payload: %v", err))
		return
	}
	update.Status = normaliseTaskStatus(update.Status)
	revision, err := h.orchestrator.UpdateRevisionTask(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), number, update)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, revision, "revision task updated")
}

// Delete 处理 DELETE /studies/:id/revisions/:n。
func (h *RevisionHandler) Delete(c *gin.Context) {
	number, err := intParam(c, "n")
	if err != nil {
		fail(c, err)
		return
	}
	study, err := h.orchestrator.DeleteRevision(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), number)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, study, "revision deleted")
}

// Verify 处理 GET /studies/:id/revisions/:n/verify，重新计算签名并与记录比较。
func (h *RevisionHandler) Verify(c *gin.Context) {
	number, err := intParam(c, "n")
	if err != nil {
		fail(c, err)
		return
	}
	result, err := h.orchestrator.Revisions.VerifyRevision(c.Request.Context(), c.Param("id"), number)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result, "success")
}

// Sync 处理 POST /studies/:id/revisions/sync，重新同步公开镜像。
func (h *RevisionHandler) Sync(c *gin.Context) {
	sub, err := h.orchestrator.ResyncMirror(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, sub, "mirror sync submitted")
}

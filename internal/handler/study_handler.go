package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"study-lifecycle-go/internal/middleware"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/pipeline"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// StudyHandler 负责研究的创建、查询、状态转换以及策展人对研究的操作。
type StudyHandler struct {
	orchestrator *pipeline.Orchestrator
}

// NewStudyHandler 创建一个新的 StudyHandler 实例。
func NewStudyHandler(orchestrator *pipeline.Orchestrator) *StudyHandler {
	return &StudyHandler{orchestrator: orchestrator}
}

// StudyResponse 是研究详情接口的响应内容。
type StudyResponse struct {
	Study      *model.Study                 `json:"study"`
	StudyID    string                       `json:"studyId"`
	Permission *model.StudyAccessPermission `json:"permission"`
}

// Create 处理 POST /studies。
func (h *StudyHandler) Create(c *gin.Context) {
	var attrs service.StudyAttributes
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&attrs); err != nil {
			fail(c, apperr.InvalidInput.New("invalid request payload: %v", err))
			return
		}
	}
	study, sub, err := h.orchestrator.CreateStudy(c.Request.Context(), middleware.CurrentUser(c), attrs)
	if err != nil {
		fail(c, err)
		return
	}
	log.Infof("[StudyHandler] 研究 %s 已创建", study.DisplayID())
	respond(c, http.StatusCreated, gin.H{"study": study, "studyId": study.DisplayID(), "maintenance": sub}, "study created")
}

// Get 处理 GET /studies/:id。
func (h *StudyHandler) Get(c *gin.Context) {
	perm, study, err := h.orchestrator.Permissions.Evaluate(c.Param("id"), middleware.CurrentUser(c), obfuscationCode(c), false)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, StudyResponse{Study: study, StudyID: study.DisplayID(), Permission: perm}, "success")
}

// Permissions 处理 GET /studies/:id/permissions。研究不存在时返回空权限记录而不是错误。
func (h *StudyHandler) Permissions(c *gin.Context) {
	perm, _, err := h.orchestrator.Permissions.Evaluate(c.Param("id"), middleware.CurrentUser(c), obfuscationCode(c), true)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, perm, "success")
}

// ChangeStatus 处理 POST /studies/:id/status/:target。
func (h *StudyHandler) ChangeStatus(c *gin.Context) {
	target, ok := model.ParseStudyStatus(c.Param("target"))
	if !ok {
		fail(c, apperr.InvalidInput.New("unknown status %q", c.Param("target")))
		return
	}
	sub, err := h.orchestrator.ChangeStatus(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), target)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, sub, "status change submitted")
}

// ListTasks 处理 GET /studies/:id/tasks。
func (h *StudyHandler) ListTasks(c *gin.Context) {
	_, study, err := h.orchestrator.Permissions.Evaluate(c.Param("id"), middleware.CurrentUser(c), obfuscationCode(c), false)
	if err != nil {
		fail(c, err)
		return
	}
	tasks, err := h.orchestrator.Ledger.List(study)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, tasks, "success")
}

// DeleteTask 处理 DELETE /studies/:id/tasks/:task_name，用于策展人清理卡住的台账行。
func (h *StudyHandler) DeleteTask(c *gin.Context) {
	name := model.TaskName(c.Param("task_name"))
	if err := h.orchestrator.DeleteTask(middleware.CurrentUser(c), c.Param("id"), name); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, "task deleted")
}

// MaintainFolders 处理 POST /studies/:id/folders/maintain?force=true。
func (h *StudyHandler) MaintainFolders(c *gin.Context) {
	force := c.Query("force") == "true"
	sub, err := h.orchestrator.MaintainFolders(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), force)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, sub, "folder maintenance submitted")
}

// PlanFolders 处理 GET /studies/:id/folders/plan，只返回规划的动作。
func (h *StudyHandler) PlanFolders(c *gin.Context) {
	force := c.Query("force") == "true"
	res, err := h.orchestrator.PlanFolders(middleware.CurrentUser(c), c.Param("id"), force)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, res, "success")
}

// Archive 处理 POST /studies/:id/archive?revision=n。
func (h *StudyHandler) Archive(c *gin.Context) {
	number, err := intQuery(c, "revision", 0)
	if err != nil {
		fail(c, err)
		return
	}
	sub, err := h.orchestrator.ArchiveRevision(c.Request.Context(), middleware.CurrentUser(c), c.Param("id"), number)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, sub, "archive submitted")
}
